// Package rebuild recomputes conversation links for historical records.
// It drives the same linker as the live request path, with the query ports
// bound to the store and every lookup bounded by the record's own
// timestamp, so a rebuild "as of" any moment sees exactly what the live
// path saw then.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/threadproxy/threadproxy/pkg/linker"
	"github.com/threadproxy/threadproxy/pkg/store"
)

const defaultBatchSize = 200

// Options tunes a Runner. Zero values take defaults.
type Options struct {
	BatchSize int
	Linker    linker.Config
}

// Stats summarizes one rebuild pass.
type Stats struct {
	Processed int
	Updated   int
	Skipped   int
}

// Runner walks the store in non-decreasing timestamp order and re-derives
// the three derived fields of each record, overwriting nothing else.
type Runner struct {
	store     *store.Store
	linker    *linker.Linker
	batchSize int
	warnf     func(format string, args ...any)
}

// New builds a Runner whose linker ports are bound to the given store.
func New(st *store.Store, opts Options) (*Runner, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	lk, err := linker.New(st.ParentLookup, st.TaskLookup, opts.Linker)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	return &Runner{
		store:     st,
		linker:    lk,
		batchSize: opts.BatchSize,
		warnf:     opts.Linker.Warnf,
	}, nil
}

// Run rebuilds every record from the oldest onward.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	return r.RunFrom(ctx, store.Cursor{})
}

// RunAfter rebuilds every record after the named one, for resuming an
// interrupted pass.
func (r *Runner) RunAfter(ctx context.Context, requestID string) (Stats, error) {
	cursor, err := r.store.CursorAfter(ctx, requestID)
	if err != nil {
		return Stats{}, err
	}
	return r.RunFrom(ctx, cursor)
}

// RunFrom rebuilds every record after the cursor.
func (r *Runner) RunFrom(ctx context.Context, cursor store.Cursor) (Stats, error) {
	var stats Stats
	for {
		batch, err := r.store.ListRequests(ctx, cursor, r.batchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			return stats, nil
		}
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := r.rebuildOne(ctx, rec, &stats); err != nil {
				return stats, err
			}
			cursor = store.Cursor{TimestampMS: rec.Timestamp.UnixMilli(), ID: rec.ID}
		}
	}
}

func (r *Runner) rebuildOne(ctx context.Context, rec store.Record, stats *Stats) error {
	stats.Processed++

	body, err := linker.ParseRequestBody([]byte(rec.RequestBody))
	if err != nil {
		stats.Skipped++
		r.warn("skipping %s: unreadable request body: %v", rec.RequestID, err)
		return nil
	}

	res, err := r.linker.Link(ctx, linker.Request{
		Domain:    rec.Domain,
		Messages:  body.Messages,
		System:    body.System,
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		stats.Skipped++
		r.warn("skipping %s: %v", rec.RequestID, err)
		return nil
	}

	conversationID := res.ConversationID
	// A record that remains its own conversation root keeps its identity;
	// regenerating the ID would churn every rebuild for no information.
	if res.State == linker.StateNewConversation && rec.ConversationID != "" {
		conversationID = rec.ConversationID
	}

	if conversationID == rec.ConversationID &&
		res.BranchID == rec.BranchID &&
		res.ParentTaskRequestID == rec.ParentTaskRequestID {
		return nil
	}

	if err := r.store.UpdateDerived(ctx, rec.RequestID, conversationID, res.BranchID, res.ParentTaskRequestID); err != nil {
		return err
	}
	stats.Updated++
	return nil
}

func (r *Runner) warn(format string, args ...any) {
	if r.warnf != nil {
		r.warnf(format, args...)
	}
}

// Every ticks a rebuild pass at each interval until the context ends.
// Used by the CLI's scheduled mode together with a cron expression.
func (r *Runner) Every(ctx context.Context, next func(time.Time) (time.Time, error), onPass func(Stats, error)) error {
	for {
		tick, err := next(time.Now())
		if err != nil {
			return fmt.Errorf("rebuild schedule: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(tick)):
		}
		stats, err := r.Run(ctx)
		if onPass != nil {
			onPass(stats, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
