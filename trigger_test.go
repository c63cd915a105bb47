// tabflow/trigger_test.go
package tabflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// requestRecorder captures submitted requests without dispatching them.
type requestRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	err      error
}

type recordedRequest struct {
	ec       EditorContext
	debounce time.Duration
}

func (rr *requestRecorder) fn(ec EditorContext, debounce time.Duration) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.err != nil {
		return rr.err
	}
	rr.requests = append(rr.requests, recordedRequest{ec: ec, debounce: debounce})
	return nil
}

func (rr *requestRecorder) last(t *testing.T) recordedRequest {
	t.Helper()
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if len(rr.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return rr.requests[len(rr.requests)-1]
}

func triggerConfigForTest() Config {
	cfg := getDefaultConfig()
	cfg.DebounceMs = 150
	cfg.deriveDurations()
	return cfg
}

func TestTriggerDebouncedKeystroke(t *testing.T) {
	rr := &requestRecorder{}
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, nil, newTestLogger())

	ev := KeystrokeEvent{
		Key:        "x",
		DocumentID: "doc1",
		Content:    "const x",
		Position:   Position{Line: 0, Column: 7},
	}
	if err := kt.OnKeystroke(ev); err != nil {
		t.Fatalf("OnKeystroke failed: %v", err)
	}

	req := rr.last(t)
	if req.debounce != 150*time.Millisecond {
		t.Errorf("debounce = %v, want 150ms", req.debounce)
	}
	if req.ec.FullText != "const x" {
		t.Errorf("context text = %q, want keystroke content", req.ec.FullText)
	}
	if got := kt.StateOf("doc1"); got != triggerDebouncing {
		t.Errorf("state = %v, want debouncing", got)
	}
}

func TestTriggerImmediateCharacters(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want time.Duration
	}{
		{"dot", ".", 0},
		{"open paren", "(", 0},
		{"open bracket", "[", 0},
		{"open brace", "{", 0},
		{"newline", "\n", 0},
		{"letter", "a", 150 * time.Millisecond},
		{"space", " ", 150 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := &requestRecorder{}
			kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, nil, newTestLogger())

			err := kt.OnKeystroke(KeystrokeEvent{
				Key:        tt.key,
				DocumentID: "doc1",
				Content:    "text",
				Position:   Position{Line: 0, Column: 4},
			})
			if err != nil {
				t.Fatalf("OnKeystroke failed: %v", err)
			}
			if got := rr.last(t).debounce; got != tt.want {
				t.Errorf("debounce for key %q = %v, want %v", tt.key, got, tt.want)
			}
			wantState := triggerDebouncing
			if tt.want == 0 {
				wantState = triggerDispatched
			}
			if got := kt.StateOf("doc1"); got != wantState {
				t.Errorf("state for key %q = %v, want %v", tt.key, got, wantState)
			}
		})
	}
}

func TestTriggerDocumentLookupFallback(t *testing.T) {
	rr := &requestRecorder{}
	lookup := func(documentID string) (string, string, bool) {
		if documentID == "doc1" {
			return "stored text", "go", true
		}
		return "", "", false
	}
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, lookup, nil, newTestLogger())

	// No content on the event: the store supplies text and language.
	err := kt.OnKeystroke(KeystrokeEvent{Key: "a", DocumentID: "doc1", Position: Position{Line: 0, Column: 1}})
	if err != nil {
		t.Fatalf("OnKeystroke with lookup failed: %v", err)
	}
	req := rr.last(t)
	if req.ec.FullText != "stored text" || req.ec.Language != "go" {
		t.Errorf("context = %q/%q, want stored text and language", req.ec.FullText, req.ec.Language)
	}

	// Unknown document cannot be completed.
	err = kt.OnKeystroke(KeystrokeEvent{Key: "a", DocumentID: "doc-unknown", Position: Position{}})
	if !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("err for unknown document = %v, want ErrDocumentNotOpen", err)
	}
}

func TestTriggerDeliverReplacesCurrent(t *testing.T) {
	rr := &requestRecorder{}
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, nil, newTestLogger())

	first := &InlineSuggestion{ID: "s1", DocumentID: "doc1", Text: "first"}
	second := &InlineSuggestion{ID: "s2", DocumentID: "doc1", Text: "second"}
	key := RequestKey{DocumentID: "doc1"}

	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, first, nil)
	if got := kt.Current(); got == nil || got.ID != "s1" {
		t.Fatalf("Current = %+v, want s1", got)
	}

	// A newly delivered suggestion replaces the current one unconditionally.
	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, second, nil)
	if got := kt.Current(); got == nil || got.ID != "s2" {
		t.Errorf("Current = %+v, want s2", got)
	}
	if got := kt.StateOf("doc1"); got != triggerDelivered {
		t.Errorf("state = %v, want delivered", got)
	}
}

func TestTriggerDeliverErrorReturnsToIdle(t *testing.T) {
	rr := &requestRecorder{}
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, nil, newTestLogger())

	key := RequestKey{DocumentID: "doc1"}
	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, nil, ErrOracleUnavailable)

	if kt.Current() != nil {
		t.Error("failed delivery should not set a current suggestion")
	}
	if got := kt.StateOf("doc1"); got != triggerIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestTriggerAcceptRejectClear(t *testing.T) {
	rr := &requestRecorder{}
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, nil, newTestLogger())
	key := RequestKey{DocumentID: "doc1"}

	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, &InlineSuggestion{ID: "s1", DocumentID: "doc1"}, nil)
	accepted := kt.AcceptCurrent(false)
	if accepted == nil || accepted.ID != "s1" {
		t.Fatalf("AcceptCurrent = %+v, want s1", accepted)
	}
	if kt.Current() != nil {
		t.Error("accept should clear the current suggestion")
	}
	if kt.AcceptCurrent(false) != nil {
		t.Error("accept with no suggestion should return nil")
	}

	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, &InlineSuggestion{ID: "s2", DocumentID: "doc1"}, nil)
	rejected := kt.RejectCurrent()
	if rejected == nil || rejected.ID != "s2" {
		t.Fatalf("RejectCurrent = %+v, want s2", rejected)
	}
	if kt.Current() != nil {
		t.Error("reject should clear the current suggestion")
	}
	if got := kt.StateOf("doc1"); got != triggerIdle {
		t.Errorf("state after reject = %v, want idle", got)
	}
}

func TestTriggerCancelCurrent(t *testing.T) {
	rr := &requestRecorder{}
	var cancelled []RequestKey
	cancelFn := func(key RequestKey) { cancelled = append(cancelled, key) }
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, cancelFn, nil, nil, newTestLogger())

	ev := KeystrokeEvent{Key: "a", DocumentID: "doc1", Content: "txt", Position: Position{Line: 2, Column: 3}}
	if err := kt.OnKeystroke(ev); err != nil {
		t.Fatalf("OnKeystroke failed: %v", err)
	}
	kt.Deliver(RequestKey{DocumentID: "doc1", Line: 2, Column: 3}, EditorContext{DocumentID: "doc1"},
		&InlineSuggestion{ID: "s1", DocumentID: "doc1"}, nil)

	kt.CancelCurrent("doc1")

	if len(cancelled) != 1 || cancelled[0] != (RequestKey{DocumentID: "doc1", Line: 2, Column: 3}) {
		t.Errorf("cancelled keys = %v, want the keystroke's request key", cancelled)
	}
	if kt.Current() != nil {
		t.Error("cancel should drop the displayed suggestion")
	}
	if got := kt.StateOf("doc1"); got != triggerIdle {
		t.Errorf("state after cancel = %v, want idle", got)
	}
}

func TestTriggerMetricsRecording(t *testing.T) {
	rr := &requestRecorder{}
	metrics := NewMetricsRecorder("", newTestLogger())
	kt := NewKeystrokeTrigger(triggerConfigForTest(), rr.fn, nil, nil, metrics, newTestLogger())
	key := RequestKey{DocumentID: "doc1"}

	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, &InlineSuggestion{ID: "s1", DocumentID: "doc1"}, nil)
	kt.AcceptCurrent(false)
	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, &InlineSuggestion{ID: "s2", DocumentID: "doc1"}, nil)
	kt.AcceptCurrent(true)
	kt.Deliver(key, EditorContext{DocumentID: "doc1"}, &InlineSuggestion{ID: "s3", DocumentID: "doc1"}, nil)
	kt.RejectCurrent()

	snap := metrics.Snapshot()
	if snap.Accepted != 1 || snap.PartiallyAccepted != 1 {
		t.Errorf("accepted/partial = %d/%d, want 1/1", snap.Accepted, snap.PartiallyAccepted)
	}
	if snap.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", snap.Rejected)
	}
}

// wireTriggerPipeline connects a real coordinator to a trigger the way the
// Completer does, with a controllable dispatch function.
func wireTriggerPipeline(t *testing.T, cfg Config, dispatch DispatchFunc) (*KeystrokeTrigger, *RequestCoordinator) {
	t.Helper()
	coord := NewRequestCoordinator(dispatch, nil, cfg.MaxPendingRequests, newTestLogger())
	kt := NewKeystrokeTrigger(cfg, coord.Request, coord.Cancel, nil, nil, newTestLogger())
	coord.SetResultFunc(kt.Deliver)
	coord.SetDispatchObserver(kt.MarkDispatched)
	t.Cleanup(coord.Close)
	return kt, coord
}

func TestTriggerKeystrokeSupersedesPreviousPosition(t *testing.T) {
	var mu sync.Mutex
	var dispatched []string
	dispatch := func(ctx context.Context, ec EditorContext) (*InlineSuggestion, error) {
		mu.Lock()
		dispatched = append(dispatched, ec.FullText)
		mu.Unlock()
		return &InlineSuggestion{ID: "s", DocumentID: ec.DocumentID, Text: "2", Position: ec.Cursor}, nil
	}

	cfg := getDefaultConfig()
	cfg.DebounceMs = 120
	cfg.deriveDurations()
	kt, _ := wireTriggerPipeline(t, cfg, dispatch)

	// Two rapid keystrokes move the cursor, so they land on different
	// request keys. Only the last context may reach the oracle.
	events := []KeystrokeEvent{
		{DocumentID: "foo.ts", Key: "1", Content: "const x = 1", Language: "typescript", Position: Position{Line: 0, Column: 11}},
		{DocumentID: "foo.ts", Key: "+", Content: "const x = 1+", Language: "typescript", Position: Position{Line: 0, Column: 12}},
	}
	for _, ev := range events {
		if err := kt.OnKeystroke(ev); err != nil {
			t.Fatalf("OnKeystroke(%q) failed: %v", ev.Key, err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(dispatched)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Allow any stray timer from the superseded request to fire.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 1 || dispatched[0] != "const x = 1+" {
		t.Fatalf("oracle dispatches = %d with texts %q, want exactly 1 with the last context", len(dispatched), dispatched)
	}
}

func TestTriggerDispatchedStateWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	dispatch := func(ctx context.Context, ec EditorContext) (*InlineSuggestion, error) {
		close(entered)
		<-release
		return &InlineSuggestion{ID: "s", DocumentID: ec.DocumentID, Text: "done", Position: ec.Cursor}, nil
	}

	cfg := getDefaultConfig()
	cfg.DebounceMs = 30
	cfg.deriveDurations()
	kt, _ := wireTriggerPipeline(t, cfg, dispatch)

	ev := KeystrokeEvent{
		DocumentID: "doc1",
		Key:        "x",
		Content:    "const x",
		Position:   Position{Line: 0, Column: 7},
	}
	if err := kt.OnKeystroke(ev); err != nil {
		t.Fatalf("OnKeystroke failed: %v", err)
	}
	if got := kt.StateOf("doc1"); got != triggerDebouncing {
		t.Fatalf("state before timer = %v, want debouncing", got)
	}

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("debounced request never dispatched")
	}
	if got := kt.StateOf("doc1"); got != triggerDispatched {
		t.Errorf("state during oracle call = %v, want dispatched", got)
	}

	close(release)
	deadline := time.Now().Add(3 * time.Second)
	for kt.StateOf("doc1") != triggerDelivered && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := kt.StateOf("doc1"); got != triggerDelivered {
		t.Errorf("state after delivery = %v, want delivered", got)
	}
}
