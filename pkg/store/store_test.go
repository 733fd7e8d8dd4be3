package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/threadproxy/threadproxy/pkg/linker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func requestBody(t *testing.T, messages ...linker.Message) string {
	t.Helper()
	data, err := json.Marshal(linker.RequestBody{Messages: messages})
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return string(data)
}

func assistantResponse(text string) string {
	return fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}]}`, text)
}

func taskResponse(prompt string) string {
	return fmt.Sprintf(`{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Task","input":{"prompt":%q}}]}`, prompt)
}

func userMsg(s string) linker.Message {
	return linker.Message{Role: "user", Content: linker.TextContent(s)}
}

func assistantMsg(s string) linker.Message {
	return linker.Message{Role: "assistant", Content: linker.TextContent(s)}
}

func TestInsertAndGetRequest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Truncate(time.Millisecond)

	inserted, err := st.InsertRequest(ctx, Record{
		Domain:       "example.com",
		RequestBody:  requestBody(t, userMsg("ping")),
		ResponseBody: assistantResponse("pong"),
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.RequestID == "" {
		t.Error("request id must be generated when absent")
	}
	if inserted.BranchID != linker.MainBranch {
		t.Errorf("branch defaulted to %s, want %s", inserted.BranchID, linker.MainBranch)
	}
	if inserted.CurrentMessageHash != linker.HashMessage(userMsg("ping")) {
		t.Error("current message hash not derived from the request body")
	}
	if inserted.ResponseMessageHash != linker.HashMessage(assistantMsg("pong")) {
		t.Error("response message hash not derived from the response body")
	}

	got, err := st.GetRequest(ctx, inserted.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Domain != "example.com" || !got.Timestamp.Equal(ts) {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.ResponseMessageHash != inserted.ResponseMessageHash {
		t.Error("response hash lost in roundtrip")
	}
}

func TestInsertRequestValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertRequest(ctx, Record{Timestamp: time.Now()}); err == nil {
		t.Error("empty domain must be rejected")
	}
	if _, err := st.InsertRequest(ctx, Record{Domain: "example.com"}); err == nil {
		t.Error("zero timestamp must be rejected")
	}
}

func TestParentLookupStrictlyOlder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Truncate(time.Millisecond)

	rec, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "c1",
		RequestBody:    requestBody(t, userMsg("ping")),
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hash := rec.CurrentMessageHash

	same, err := st.ParentLookup(ctx, "example.com", hash, ts)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if same != nil {
		t.Error("lookup at the record's own timestamp must not see it")
	}

	later, err := st.ParentLookup(ctx, "example.com", hash, ts.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if later == nil {
		t.Fatal("lookup just after the record must find it")
	}
	if later.ConversationID != "c1" || later.RequestID != rec.RequestID {
		t.Errorf("wrong parent: %+v", later)
	}

	other, err := st.ParentLookup(ctx, "other.com", hash, ts.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if other != nil {
		t.Error("lookups must not cross domains")
	}
}

func TestParentLookupMatchesResponseHash(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Truncate(time.Millisecond)

	rec, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "c1",
		RequestBody:    requestBody(t, userMsg("ping")),
		ResponseBody:   assistantResponse("pong"),
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// The follow-up request carries the assistant reply as its
	// second-to-last message; its parent hash is the reply's hash.
	parentHash := linker.HashMessage(assistantMsg("pong"))
	found, err := st.ParentLookup(ctx, "example.com", parentHash, ts.Add(time.Second))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil {
		t.Fatal("parent lookup must match the recorded response hash")
	}
	if found.RequestID != rec.RequestID {
		t.Errorf("matched %s, want %s", found.RequestID, rec.RequestID)
	}
}

func TestParentLookupChildrenAndBranchSeq(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	root, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "c1",
		RequestBody:    requestBody(t, userMsg("hello")),
		ResponseBody:   assistantResponse("hi"),
		Timestamp:      base,
	})
	if err != nil {
		t.Fatalf("insert root: %v", err)
	}
	parentHash := root.ResponseMessageHash

	children := []struct {
		prompt string
		branch string
		at     time.Time
	}{
		{"option a", "main", base.Add(time.Minute)},
		{"option b", "branch_1", base.Add(2 * time.Minute)},
	}
	for _, c := range children {
		if _, err := st.InsertRequest(ctx, Record{
			Domain:         "example.com",
			ConversationID: "c1",
			BranchID:       c.branch,
			RequestBody:    requestBody(t, userMsg("hello"), assistantMsg("hi"), userMsg(c.prompt)),
			Timestamp:      c.at,
		}); err != nil {
			t.Fatalf("insert child: %v", err)
		}
	}

	found, err := st.ParentLookup(ctx, "example.com", parentHash, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil {
		t.Fatal("parent not found")
	}
	if len(found.ChildHashes) != 2 {
		t.Errorf("child hashes = %d, want 2", len(found.ChildHashes))
	}
	if found.NextBranchSeq != 2 {
		t.Errorf("next branch seq = %d, want 2", found.NextBranchSeq)
	}

	// Before the second child existed only one branch label was taken.
	earlier, err := st.ParentLookup(ctx, "example.com", parentHash, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if earlier == nil {
		t.Fatal("parent not found")
	}
	if len(earlier.ChildHashes) != 1 {
		t.Errorf("child hashes as of earlier probe = %d, want 1", len(earlier.ChildHashes))
	}
	if earlier.NextBranchSeq != 1 {
		t.Errorf("next branch seq as of earlier probe = %d, want 1", earlier.NextBranchSeq)
	}
}

func TestTaskLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	parent, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "c1",
		RequestBody:    requestBody(t, userMsg("coordinate the work")),
		ResponseBody:   taskResponse("analyze the logs"),
		Timestamp:      base,
	})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}

	found, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base.Add(10*time.Second), 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("candidates = %d, want 1", len(found))
	}
	if found[0].RequestID != parent.RequestID || found[0].ConversationID != "c1" {
		t.Errorf("wrong candidate: %+v", found[0])
	}
	if found[0].SubtaskOrdinal != 1 {
		t.Errorf("ordinal = %d, want 1", found[0].SubtaskOrdinal)
	}

	none, err := st.TaskLookup(ctx, "example.com", "unrelated prompt", base.Add(10*time.Second), 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unrelated prompt matched %d candidates", len(none))
	}

	before, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base, 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(before) != 0 {
		t.Error("lookup at the invocation's own timestamp must not see it")
	}

	expired, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base.Add(25*time.Hour), 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(expired) != 0 {
		t.Error("lookup beyond the lookback window must not see the invocation")
	}
}

func TestTaskLookupOrdinalCountsPriorSiblings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	parent, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "c1",
		RequestBody:    requestBody(t, userMsg("plan")),
		ResponseBody:   taskResponse("analyze the logs"),
		Timestamp:      base,
	})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}

	// One sub-task already linked to this parent.
	if _, err := st.InsertRequest(ctx, Record{
		Domain:              "example.com",
		ConversationID:      "c1",
		BranchID:            "subtask_1",
		ParentTaskRequestID: parent.RequestID,
		RequestBody:         requestBody(t, userMsg("analyze the logs")),
		Timestamp:           base.Add(5 * time.Second),
	}); err != nil {
		t.Fatalf("insert subtask: %v", err)
	}

	found, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base.Add(10*time.Second), 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("candidates = %d, want 1", len(found))
	}
	if found[0].SubtaskOrdinal != 2 {
		t.Errorf("ordinal = %d, want 2", found[0].SubtaskOrdinal)
	}
}

func TestTaskLookupReturnsAllCandidatesInOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	// Two separate conversations spawn the same templated prompt. The
	// lookup must surface both, in insertion order, each with its own
	// sibling ordinal, and return rather than stall on the single pooled
	// connection.
	first := insertParent(t, st, "c1", base)
	second := insertParent(t, st, "c2", base.Add(5*time.Second))

	done := make(chan []linker.TaskInvocation, 1)
	go func() {
		found, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base.Add(10*time.Second), 24*time.Hour)
		if err != nil {
			t.Errorf("task lookup: %v", err)
		}
		done <- found
	}()

	var found []linker.TaskInvocation
	select {
	case found = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task lookup did not return")
	}

	if len(found) != 2 {
		t.Fatalf("candidates = %d, want 2", len(found))
	}
	if found[0].RequestID != first.RequestID || found[1].RequestID != second.RequestID {
		t.Errorf("candidates out of insertion order: %+v", found)
	}
	for i, inv := range found {
		if inv.SubtaskOrdinal != 1 {
			t.Errorf("candidate %d ordinal = %d, want 1", i, inv.SubtaskOrdinal)
		}
	}
}

func insertParent(t *testing.T, st *Store, conversationID string, ts time.Time) Record {
	t.Helper()
	rec, err := st.InsertRequest(context.Background(), Record{
		Domain:         "example.com",
		ConversationID: conversationID,
		RequestBody:    requestBody(t, userMsg("plan")),
		ResponseBody:   taskResponse("analyze the logs"),
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("insert parent: %v", err)
	}
	return rec
}

func TestTaskLookupIgnoresOtherTools(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	body := `{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Read","input":{"prompt":"analyze the logs"}}]}`
	if _, err := st.InsertRequest(ctx, Record{
		Domain:       "example.com",
		RequestBody:  requestBody(t, userMsg("plan")),
		ResponseBody: body,
		Timestamp:    base,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := st.TaskLookup(ctx, "example.com", "analyze the logs", base.Add(10*time.Second), 24*time.Hour)
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("non-task tool matched %d candidates", len(found))
	}
}

func TestUpdateDerivedTouchesOnlyDerivedFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Truncate(time.Millisecond)

	rec, err := st.InsertRequest(ctx, Record{
		Domain:         "example.com",
		ConversationID: "old-conv",
		RequestBody:    requestBody(t, userMsg("ping")),
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := st.UpdateDerived(ctx, rec.RequestID, "new-conv", "branch_1", "parent-req"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetRequest(ctx, rec.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConversationID != "new-conv" || got.BranchID != "branch_1" || got.ParentTaskRequestID != "parent-req" {
		t.Errorf("derived fields not updated: %+v", got)
	}
	if got.CurrentMessageHash != rec.CurrentMessageHash || got.RequestBody != rec.RequestBody {
		t.Error("immutable fields were touched")
	}
}

func TestListRequestsPagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond).Add(-time.Hour)

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := st.InsertRequest(ctx, Record{
			Domain:      "example.com",
			RequestBody: requestBody(t, userMsg(fmt.Sprintf("turn %d", i))),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, rec.RequestID)
	}

	var seen []string
	cursor := Cursor{}
	for {
		batch, err := st.ListRequests(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			seen = append(seen, rec.RequestID)
			cursor = Cursor{TimestampMS: rec.Timestamp.UnixMilli(), ID: rec.ID}
		}
	}
	if len(seen) != len(ids) {
		t.Fatalf("paged through %d records, want %d", len(seen), len(ids))
	}
	for i := range ids {
		if seen[i] != ids[i] {
			t.Fatalf("record %d out of order: %s, want %s", i, seen[i], ids[i])
		}
	}

	// Resuming after the second record skips the first two.
	after, err := st.CursorAfter(ctx, ids[1])
	if err != nil {
		t.Fatalf("cursor after: %v", err)
	}
	rest, err := st.ListRequests(ctx, after, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 3 || rest[0].RequestID != ids[2] {
		t.Errorf("resume returned %d records starting at %s", len(rest), rest[0].RequestID)
	}

	if _, err := st.CursorAfter(ctx, "missing"); err == nil {
		t.Error("cursor for unknown request must fail")
	}
}
