// tabflow/trigger.go
// Keystroke Trigger: turns raw editor keystrokes into coordinator requests
// and holds the single current inline suggestion. Immediate-trigger
// characters bypass the debounce delay.
package tabflow

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// triggerState tracks where a document sits in the suggestion lifecycle.
type triggerState int

const (
	triggerIdle triggerState = iota
	triggerDebouncing
	triggerDispatched
	triggerDelivered
)

func (s triggerState) String() string {
	switch s {
	case triggerDebouncing:
		return "debouncing"
	case triggerDispatched:
		return "dispatched"
	case triggerDelivered:
		return "delivered"
	default:
		return "idle"
	}
}

// DocumentLookup resolves a document's current text and language when a
// keystroke event does not carry the full content itself.
type DocumentLookup func(documentID string) (text, language string, ok bool)

// RequestFunc submits an editor context for completion with a debounce delay.
// RequestCoordinator.Request satisfies it.
type RequestFunc func(ec EditorContext, debounce time.Duration) error

// KeystrokeTrigger converts keystrokes into debounced completion requests
// and owns the currently displayed suggestion. Mutex-confined.
type KeystrokeTrigger struct {
	mu      sync.Mutex
	states  map[string]triggerState
	lastKey map[string]RequestKey
	current *InlineSuggestion

	request  RequestFunc
	cancelFn func(RequestKey)
	lookup   DocumentLookup
	config   Config
	metrics  *MetricsRecorder
	logger   *slog.Logger
}

// NewKeystrokeTrigger wires the trigger. lookup and metrics may be nil;
// cancelFn may be nil when cancellation is handled elsewhere.
func NewKeystrokeTrigger(cfg Config, request RequestFunc, cancelFn func(RequestKey), lookup DocumentLookup, metrics *MetricsRecorder, logger *slog.Logger) *KeystrokeTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeystrokeTrigger{
		states:   make(map[string]triggerState),
		lastKey:  make(map[string]RequestKey),
		request:  request,
		cancelFn: cancelFn,
		lookup:   lookup,
		config:   cfg,
		metrics:  metrics,
		logger:   logger.With("component", "KeystrokeTrigger"),
	}
}

// SetLookup installs the document text fallback after construction.
func (kt *KeystrokeTrigger) SetLookup(lookup DocumentLookup) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.lookup = lookup
}

// UpdateConfig applies new debounce and trigger-character settings.
func (kt *KeystrokeTrigger) UpdateConfig(cfg Config) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	kt.config = cfg
}

// isImmediateTrigger reports whether a key bypasses the debounce delay.
func (kt *KeystrokeTrigger) isImmediateTrigger(key string) bool {
	triggers := kt.config.ImmediateTriggers
	if triggers == "" {
		triggers = defaultImmediateTriggers
	}
	return key != "" && strings.Contains(triggers, key)
}

// OnKeystroke builds an editor context from the event and submits it. Events
// without resolvable document text are dropped with a debug diagnostic.
func (kt *KeystrokeTrigger) OnKeystroke(ev KeystrokeEvent) error {
	kt.mu.Lock()
	logger := kt.logger.With("doc", ev.DocumentID, "key", ev.Key)

	text := ev.Content
	language := ev.Language
	if text == "" && kt.lookup != nil {
		var ok bool
		var lang string
		text, lang, ok = kt.lookup(ev.DocumentID)
		if !ok {
			kt.mu.Unlock()
			logger.Debug("Keystroke dropped, document text unavailable")
			return ErrDocumentNotOpen
		}
		if language == "" {
			language = lang
		}
	}
	if text == "" {
		kt.mu.Unlock()
		logger.Debug("Keystroke dropped, empty document")
		return nil
	}

	ec := EditorContext{
		DocumentID: ev.DocumentID,
		FullText:   text,
		Language:   language,
		Cursor:     ev.Position,
	}

	debounce := kt.config.Debounce
	next := triggerDebouncing
	if kt.isImmediateTrigger(ev.Key) || debounce <= 0 {
		debounce = 0
		next = triggerDispatched
	}
	newKey := requestKeyFor(ec)
	prev := kt.states[ev.DocumentID]
	staleKey, hadPrev := kt.lastKey[ev.DocumentID]
	supersede := hadPrev && staleKey != newKey
	cancelFn := kt.cancelFn
	kt.states[ev.DocumentID] = next
	kt.lastKey[ev.DocumentID] = newKey
	request := kt.request
	kt.mu.Unlock()

	if supersede && cancelFn != nil {
		// Typing moved the cursor, so the previous position's request can
		// never match the document anymore. Abort it before submitting.
		logger.Debug("Superseding request at previous position", "line", staleKey.Line, "col", staleKey.Column)
		cancelFn(staleKey)
	}

	logger.Debug("Keystroke submitted", "from", prev, "to", next, "debounce", debounce)
	err := request(ec, debounce)
	if err != nil {
		if errors.Is(err, ErrRequestInFlight) {
			logger.Debug("Request already dispatched for position")
			return nil
		}
		kt.mu.Lock()
		kt.states[ev.DocumentID] = triggerIdle
		kt.mu.Unlock()
		return err
	}
	return nil
}

// MarkDispatched is installed as the coordinator's DispatchObserver. It
// moves a document from debouncing to dispatched when its request enters
// the oracle call.
func (kt *KeystrokeTrigger) MarkDispatched(key RequestKey) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	if kt.lastKey[key.DocumentID] != key {
		return
	}
	if kt.states[key.DocumentID] == triggerDebouncing {
		kt.states[key.DocumentID] = triggerDispatched
	}
}

// Deliver is installed as the coordinator's ResultFunc. A successful result
// replaces the current suggestion unconditionally; failures return the
// document to idle.
func (kt *KeystrokeTrigger) Deliver(key RequestKey, ec EditorContext, suggestion *InlineSuggestion, err error) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	if err != nil || suggestion == nil {
		kt.states[key.DocumentID] = triggerIdle
		if err != nil {
			kt.logger.Debug("Request finished without suggestion", "doc", key.DocumentID, "error", err)
		}
		return
	}
	kt.current = suggestion
	kt.states[key.DocumentID] = triggerDelivered
	kt.logger.Debug("Suggestion delivered", "doc", key.DocumentID, "id", suggestion.ID)
}

// Current returns the displayed suggestion, or nil.
func (kt *KeystrokeTrigger) Current() *InlineSuggestion {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.current
}

// AcceptCurrent records an acceptance metric and clears the suggestion.
// Applying the text to the document is the editor's job.
func (kt *KeystrokeTrigger) AcceptCurrent(partial bool) *InlineSuggestion {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	s := kt.current
	if s == nil {
		return nil
	}
	if kt.metrics != nil {
		kt.metrics.RecordAccepted(partial)
	}
	kt.current = nil
	kt.states[s.DocumentID] = triggerIdle
	kt.logger.Debug("Suggestion accepted", "doc", s.DocumentID, "id", s.ID, "partial", partial)
	return s
}

// RejectCurrent records a rejection metric and clears the suggestion.
func (kt *KeystrokeTrigger) RejectCurrent() *InlineSuggestion {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	s := kt.current
	if s == nil {
		return nil
	}
	if kt.metrics != nil {
		kt.metrics.RecordRejected()
	}
	kt.current = nil
	kt.states[s.DocumentID] = triggerIdle
	kt.logger.Debug("Suggestion rejected", "doc", s.DocumentID, "id", s.ID)
	return s
}

// CancelCurrent cancels the in-flight request for a document, if any, and
// drops any displayed suggestion for it.
func (kt *KeystrokeTrigger) CancelCurrent(documentID string) {
	kt.mu.Lock()
	key, ok := kt.lastKey[documentID]
	cancelFn := kt.cancelFn
	if kt.current != nil && kt.current.DocumentID == documentID {
		kt.current = nil
	}
	kt.states[documentID] = triggerIdle
	kt.mu.Unlock()

	if ok && cancelFn != nil {
		cancelFn(key)
	}
}

// Forget drops all trigger state for a closed document.
func (kt *KeystrokeTrigger) Forget(documentID string) {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	delete(kt.states, documentID)
	delete(kt.lastKey, documentID)
	if kt.current != nil && kt.current.DocumentID == documentID {
		kt.current = nil
	}
}

// StateOf reports a document's lifecycle state (observability).
func (kt *KeystrokeTrigger) StateOf(documentID string) triggerState {
	kt.mu.Lock()
	defer kt.mu.Unlock()
	return kt.states[documentID]
}
