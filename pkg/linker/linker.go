package linker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State classifies how an inbound request relates to prior traffic.
type State string

const (
	StateNewConversation State = "NEW_CONVERSATION"
	StateContinuation    State = "CONTINUATION"
	StateBranch          State = "BRANCH"
	StateSubtask         State = "SUBTASK"
)

// MainBranch is the root branch label every conversation starts on.
const MainBranch = "main"

const (
	// DefaultSubtaskLookback bounds how far back the subtask-lookup port
	// searches for a spawning tool invocation.
	DefaultSubtaskLookback = 24 * time.Hour
	// DefaultSubtaskMatchWindow is how long after the spawning invocation
	// a matching request still links as a sub-task.
	DefaultSubtaskMatchWindow = 30 * time.Second

	defaultCacheSize = 1024

	// maxClockSkew is how far ahead of the local clock a request
	// timestamp may be before it is rejected as a caller bug.
	maxClockSkew = 5 * time.Minute
)

// LinkResult is the single decision the linker emits per inbound request.
// The storage collaborator attaches it to the record it persists.
type LinkResult struct {
	ConversationID      string   `json:"conversation_id"`
	BranchID            string   `json:"branch_id"`
	State               State    `json:"state"`
	ParentTaskRequestID string   `json:"parent_task_request_id,omitempty"`
	Hashes              HashPair `json:"hashes"`
	// Ambiguous is set when multiple sub-task candidates matched and the
	// most recent one was chosen. Observability only; never an error.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Config tunes a Linker. Zero values take defaults.
type Config struct {
	SubtaskLookback    time.Duration
	SubtaskMatchWindow time.Duration
	CacheSize          int
	// Warnf, when set, receives non-fatal observability events: store
	// failures the linker failed open on, and ambiguous sub-task matches.
	Warnf func(format string, args ...any)
}

// Linker orchestrates normalization, hashing, parent resolution, branch
// assignment and sub-task correlation into one decision per request. It is
// safe for concurrent use; the only shared state is the bounded cache.
type Linker struct {
	parents ParentLookup
	tasks   TaskLookup
	cache   *parentCache
	cfg     Config
}

// New builds a Linker around the two injected query ports.
func New(parents ParentLookup, tasks TaskLookup, cfg Config) (*Linker, error) {
	if parents == nil {
		return nil, fmt.Errorf("linker: parent-lookup port is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("linker: task-lookup port is required")
	}
	if cfg.SubtaskLookback <= 0 {
		cfg.SubtaskLookback = DefaultSubtaskLookback
	}
	if cfg.SubtaskMatchWindow <= 0 {
		cfg.SubtaskMatchWindow = DefaultSubtaskMatchWindow
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := newParentCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("linker: build cache: %w", err)
	}
	return &Linker{parents: parents, tasks: tasks, cache: cache, cfg: cfg}, nil
}

// Link resolves one inbound request to a conversation, branch and state.
// Store failures degrade to NEW_CONVERSATION rather than failing the
// request; only precondition violations return an error.
func (l *Linker) Link(ctx context.Context, req Request) (LinkResult, error) {
	if strings.TrimSpace(req.Domain) == "" {
		return LinkResult{}, ErrMissingDomain
	}
	if req.Timestamp.IsZero() {
		return LinkResult{}, ErrMissingTimestamp
	}
	if time.Until(req.Timestamp) > maxClockSkew {
		return LinkResult{}, ErrFutureTimestamp
	}

	res := LinkResult{
		Hashes:   ComputeHashes(req.Messages, req.System),
		State:    StateNewConversation,
		BranchID: MainBranch,
	}

	if res.Hashes.ParentHash != "" {
		parent := l.lookupParent(ctx, req.Domain, res.Hashes.ParentHash, req.Timestamp)
		if parent != nil {
			res.ConversationID = parent.ConversationID
			if countOtherChildren(parent.ChildHashes, res.Hashes.CurrentHash) > 0 {
				res.State = StateBranch
				res.BranchID = fmt.Sprintf("branch_%d", parent.NextBranchSeq)
			} else {
				res.State = StateContinuation
				res.BranchID = parent.BranchID
			}
			return res, nil
		}
	}

	// No resolvable parent: candidate NEW_CONVERSATION, but a sub-task
	// spawned by a parent conversation's tool invocation overrides it.
	if sub, ok := l.correlateSubtask(ctx, req); ok {
		res.State = StateSubtask
		res.ConversationID = sub.invocation.ConversationID
		res.BranchID = fmt.Sprintf("subtask_%d", sub.invocation.SubtaskOrdinal)
		res.ParentTaskRequestID = sub.invocation.RequestID
		res.Ambiguous = sub.ambiguous
		return res, nil
	}

	res.ConversationID = uuid.NewString()
	return res, nil
}

// lookupParent consults the cache, then the port. Port errors fail open to
// "no parent" so a lost conversation link never blocks a request.
func (l *Linker) lookupParent(ctx context.Context, domain, parentHash string, asOf time.Time) *ParentRecord {
	if rec, ok := l.cache.get(domain, parentHash, asOf); ok {
		return rec
	}
	rec, err := l.parents(ctx, domain, parentHash, asOf)
	if err != nil {
		l.warnf("parent lookup failed, treating as new conversation: %v", err)
		return nil
	}
	l.cache.put(domain, parentHash, asOf, rec)
	return rec
}

type subtaskMatch struct {
	invocation TaskInvocation
	ambiguous  bool
}

func (l *Linker) correlateSubtask(ctx context.Context, req Request) (subtaskMatch, bool) {
	prompt := firstUserPrompt(req.Messages)
	if prompt == "" {
		return subtaskMatch{}, false
	}
	candidates, err := l.tasks(ctx, req.Domain, prompt, req.Timestamp, l.cfg.SubtaskLookback)
	if err != nil {
		l.warnf("subtask lookup failed, treating as new conversation: %v", err)
		return subtaskMatch{}, false
	}

	// A candidate only counts when this request arrived within the match
	// window measured from the spawning invocation's timestamp.
	var matched []TaskInvocation
	for _, c := range candidates {
		age := req.Timestamp.Sub(c.Timestamp)
		if age >= 0 && age <= l.cfg.SubtaskMatchWindow {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return subtaskMatch{}, false
	}

	// Most recent wins; insertion order breaks timestamp ties.
	best := matched[0]
	for _, c := range matched[1:] {
		if !c.Timestamp.Before(best.Timestamp) {
			best = c
		}
	}
	ambiguous := len(matched) > 1
	if ambiguous {
		l.warnf("ambiguous subtask match in domain %s: %d candidates, chose request %s", req.Domain, len(matched), best.RequestID)
	}
	return subtaskMatch{invocation: best, ambiguous: ambiguous}, true
}

func (l *Linker) warnf(format string, args ...any) {
	if l.cfg.Warnf != nil {
		l.cfg.Warnf(format, args...)
	}
}

// firstUserPrompt returns the normalized content of the request's first
// user message, the probe text for sub-task correlation.
func firstUserPrompt(messages []Message) string {
	for _, m := range messages {
		if NormalizeRole(m.Role) == "user" {
			return NormalizeContent(m.Content)
		}
	}
	return ""
}

func countOtherChildren(children []string, currentHash string) int {
	n := 0
	for _, h := range children {
		if h != currentHash {
			n++
		}
	}
	return n
}
