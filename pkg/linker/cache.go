package linker

import (
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// parentCache memoizes recent parent lookups so rapid successive turns of
// the same conversation do not hit the store repeatedly. The asOf timestamp
// is part of the key: a later-arriving record with a different timestamp
// must never pollute an earlier rebuild's result. Negative results are
// cached too; they are just as temporally scoped as hits.
type parentCache struct {
	entries *lru.Cache[string, *ParentRecord]
}

func newParentCache(size int) (*parentCache, error) {
	entries, err := lru.New[string, *ParentRecord](size)
	if err != nil {
		return nil, err
	}
	return &parentCache{entries: entries}, nil
}

func cacheKey(domain, parentHash string, asOf time.Time) string {
	return domain + "|" + parentHash + "|" + strconv.FormatInt(asOf.UnixNano(), 10)
}

func (c *parentCache) get(domain, parentHash string, asOf time.Time) (*ParentRecord, bool) {
	return c.entries.Get(cacheKey(domain, parentHash, asOf))
}

func (c *parentCache) put(domain, parentHash string, asOf time.Time, rec *ParentRecord) {
	c.entries.Add(cacheKey(domain, parentHash, asOf), rec)
}
