package linker

import (
	"context"
	"time"
)

// ParentRecord is what the parent-lookup port returns for a matched parent
// hash: the owning conversation plus the derived facts the linker needs for
// branch assignment, all bounded by the asOf timestamp of the lookup.
type ParentRecord struct {
	// RequestID identifies the matched parent record.
	RequestID string
	// ConversationID is inherited by the linked request.
	ConversationID string
	// BranchID is the parent's branch label.
	BranchID string
	// ChildHashes are the distinct child message hashes already recorded
	// under this parent hash in the same domain and conversation.
	ChildHashes []string
	// NextBranchSeq is the next sequential branch number for the
	// conversation, derived at query time from existing branch labels.
	NextBranchSeq int
	// Timestamp is the parent record's own timestamp.
	Timestamp time.Time
}

// TaskInvocation is one candidate returned by the subtask-lookup port: a
// prior response in the domain whose payload contains a task-spawning tool
// invocation with a prompt equal to the probe text.
type TaskInvocation struct {
	// RequestID identifies the record that carried the invocation.
	RequestID string
	// ConversationID is the spawning conversation.
	ConversationID string
	// SubtaskOrdinal is the count of prior sub-tasks of this parent plus
	// one, derived at query time in timestamp order.
	SubtaskOrdinal int
	// Timestamp is the spawning record's timestamp.
	Timestamp time.Time
}

// ParentLookup finds the most recent record in the domain whose current
// message hash equals parentHash, considering only records strictly older
// than asOf. A nil record with nil error means no match.
//
// The port is a pure query and must be safe to call from both the live
// request path and an offline batch rebuild.
type ParentLookup func(ctx context.Context, domain, parentHash string, asOf time.Time) (*ParentRecord, error)

// TaskLookup searches the domain's records in [asOf-lookback, asOf) for
// task-spawning tool invocations whose embedded prompt equals the given
// normalized prompt text. Candidates are returned in insertion order.
type TaskLookup func(ctx context.Context, domain, prompt string, asOf time.Time, lookback time.Duration) ([]TaskInvocation, error)
