// tabflow/coordinator.go
// Request Coordinator: deduplicates, debounces and cancels completion
// requests keyed by document and cursor location.
package tabflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestKey identifies a completion request slot.
type RequestKey struct {
	DocumentID string
	Line       int
	Column     int
}

func requestKeyFor(ec EditorContext) RequestKey {
	return RequestKey{DocumentID: ec.DocumentID, Line: ec.Cursor.Line, Column: ec.Cursor.Column}
}

// DispatchFunc performs the actual completion work at the single suspension
// point (the oracle call). It must honor ctx cancellation.
type DispatchFunc func(ctx context.Context, ec EditorContext) (*InlineSuggestion, error)

// ResultFunc receives the outcome of a dispatched request. It is never called
// for superseded or cancelled requests.
type ResultFunc func(key RequestKey, ec EditorContext, suggestion *InlineSuggestion, err error)

// DispatchObserver is notified when a request leaves the debounce stage and
// enters the oracle call.
type DispatchObserver func(key RequestKey)

// pendingRequest exists only while a request is debouncing or in flight.
type pendingRequest struct {
	id        string
	key       RequestKey
	ec        EditorContext
	startedAt time.Time
	timer     *time.Timer // Non-nil only while debouncing.
	cancel    context.CancelFunc
	ctx       context.Context
}

// RequestCoordinator owns all pending and active requests. At most one
// dispatched request per key is outstanding at any time, and at most
// maxPending requests exist globally; the oldest pending request is cancelled
// to admit a new one.
type RequestCoordinator struct {
	mu         sync.Mutex
	pending    map[RequestKey]*pendingRequest // Debouncing, not yet dispatched.
	active     map[RequestKey]*pendingRequest // Dispatched, awaiting the oracle.
	dispatch   DispatchFunc
	onResult   ResultFunc
	onDispatch DispatchObserver
	maxPending int
	closed     bool
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewRequestCoordinator creates a coordinator. onResult may be nil.
func NewRequestCoordinator(dispatch DispatchFunc, onResult ResultFunc, maxPending int, logger *slog.Logger) *RequestCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}
	return &RequestCoordinator{
		pending:    make(map[RequestKey]*pendingRequest),
		active:     make(map[RequestKey]*pendingRequest),
		dispatch:   dispatch,
		onResult:   onResult,
		maxPending: maxPending,
		logger:     logger.With("component", "RequestCoordinator"),
	}
}

// SetResultFunc installs the result observer. Must be called before the first
// Request when the consumer is constructed after the coordinator.
func (rc *RequestCoordinator) SetResultFunc(onResult ResultFunc) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onResult = onResult
}

// SetDispatchObserver installs the dispatch observer. It is invoked outside
// the coordinator's lock, once per dispatched request.
func (rc *RequestCoordinator) SetDispatchObserver(onDispatch DispatchObserver) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onDispatch = onDispatch
}

// Request schedules a completion for the context's location. A zero debounce
// dispatches immediately; otherwise dispatch happens after the delay, with
// the timer restarted by each newer request for the same key (trailing-edge
// debounce). A request for a key whose dispatch is already awaiting the
// oracle is dropped with a diagnostic.
func (rc *RequestCoordinator) Request(ec EditorContext, debounce time.Duration) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return ErrCoordinatorClosed
	}
	key := requestKeyFor(ec)
	reqLogger := rc.logger.With("doc", key.DocumentID, "line", key.Line, "col", key.Column)

	if _, isActive := rc.active[key]; isActive {
		reqLogger.Debug("Dropping request: dispatch already in flight for key")
		return ErrRequestInFlight
	}

	if prev, isPending := rc.pending[key]; isPending {
		// Supersede: the newer context wins and the timer restarts.
		prev.ec = ec
		prev.startedAt = time.Now()
		if debounce <= 0 {
			prev.timer.Stop()
			prev.timer = nil
			rc.dispatchLocked(prev)
			return nil
		}
		prev.timer.Reset(debounce)
		reqLogger.Debug("Superseded pending request, debounce restarted", "id", prev.id)
		return nil
	}

	rc.admitLocked(reqLogger)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := &pendingRequest{
		id:        uuid.NewString(),
		key:       key,
		ec:        ec,
		startedAt: time.Now(),
		cancel:    cancel,
		ctx:       reqCtx,
	}
	rc.pending[key] = req

	if debounce <= 0 {
		rc.dispatchLocked(req)
		return nil
	}
	req.timer = time.AfterFunc(debounce, func() { rc.timerFired(req) })
	reqLogger.Debug("Request scheduled", "id", req.id, "debounce", debounce)
	return nil
}

// admitLocked enforces the global budget by cancelling the oldest pending
// request, or the oldest active one when nothing is still pending.
func (rc *RequestCoordinator) admitLocked(logger *slog.Logger) {
	for len(rc.pending)+len(rc.active) >= rc.maxPending {
		victim := rc.oldestLocked(rc.pending)
		if victim != nil {
			logger.Debug("Back-pressure: cancelling oldest pending request", "victim_id", victim.id)
			rc.cancelLocked(victim)
			continue
		}
		victim = rc.oldestLocked(rc.active)
		if victim == nil {
			return
		}
		logger.Debug("Back-pressure: cancelling oldest active request", "victim_id", victim.id)
		rc.cancelLocked(victim)
	}
}

func (rc *RequestCoordinator) oldestLocked(m map[RequestKey]*pendingRequest) *pendingRequest {
	var oldest *pendingRequest
	for _, req := range m {
		if oldest == nil || req.startedAt.Before(oldest.startedAt) {
			oldest = req
		}
	}
	return oldest
}

// timerFired moves a debounced request into dispatch.
func (rc *RequestCoordinator) timerFired(req *pendingRequest) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	current, ok := rc.pending[req.key]
	if !ok || current != req || rc.closed {
		return // Superseded by supersession bookkeeping or cancelled.
	}
	rc.dispatchLocked(req)
}

// dispatchLocked transitions a request from pending to active and launches
// the oracle call. Caller holds rc.mu.
func (rc *RequestCoordinator) dispatchLocked(req *pendingRequest) {
	delete(rc.pending, req.key)
	rc.active[req.key] = req
	onDispatch := rc.onDispatch

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		if onDispatch != nil {
			onDispatch(req.key)
		}
		suggestion, err := rc.dispatch(req.ctx, req.ec)

		rc.mu.Lock()
		if rc.active[req.key] == req {
			delete(rc.active, req.key)
		}
		cancelled := req.ctx.Err() != nil
		onResult := rc.onResult
		rc.mu.Unlock()
		req.cancel()

		if cancelled {
			// A cancelled request's result is never delivered or applied.
			rc.logger.Debug("Discarding result of cancelled request", "id", req.id)
			return
		}
		if onResult != nil {
			onResult(req.key, req.ec, suggestion, err)
		}
	}()
}

// cancelLocked removes a request from whichever map holds it and fires its
// cancellation token. Caller holds rc.mu.
func (rc *RequestCoordinator) cancelLocked(req *pendingRequest) {
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
	if rc.pending[req.key] == req {
		delete(rc.pending, req.key)
	}
	if rc.active[req.key] == req {
		delete(rc.active, req.key)
	}
	req.cancel()
}

// Cancel aborts any pending or active request for the key.
func (rc *RequestCoordinator) Cancel(key RequestKey) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if req, ok := rc.pending[key]; ok {
		rc.cancelLocked(req)
	}
	if req, ok := rc.active[key]; ok {
		rc.cancelLocked(req)
	}
}

// CancelAll aborts every pending and active request.
func (rc *RequestCoordinator) CancelAll() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, req := range rc.pending {
		rc.cancelLocked(req)
	}
	for _, req := range rc.active {
		rc.cancelLocked(req)
	}
}

// PendingCount returns pending+active request counts for observability.
func (rc *RequestCoordinator) PendingCount() (pending, active int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.pending), len(rc.active)
}

// Close cancels everything and waits for in-flight dispatch goroutines.
func (rc *RequestCoordinator) Close() {
	rc.mu.Lock()
	rc.closed = true
	for _, req := range rc.pending {
		rc.cancelLocked(req)
	}
	for _, req := range rc.active {
		rc.cancelLocked(req)
	}
	rc.mu.Unlock()
	rc.wg.Wait()
}
