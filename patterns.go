// tabflow/patterns.go
// Edit Pattern Engine: records a rolling history of committed edits, detects
// repetition/navigation/structural patterns, and produces ranked next-edit
// predictions with a cyclic (Tab-Tab-Tab) navigation cursor.
package tabflow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxPatternConfidence    = 95
	basePatternConfidence   = 40
	patternConfidenceStep   = 15
	repetitionSizeTolerance = 3
	navigationVarianceMax   = 4.0 // Line-delta variance above this is noise.
	structuralConfidence    = 80
	sizeBucketWidth         = 8
)

// EditPatternEngine is fed committed edits (not raw keystrokes) and is read
// on demand for prediction and navigation. Mutex-confined.
type EditPatternEngine struct {
	mu       sync.Mutex
	history  []EditEvent
	patterns map[string]*Pattern
	active   []EditPrediction
	cursor   int
	config   Config
	metrics  *MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time // Injectable clock for window tests.
}

// NewEditPatternEngine creates the engine. metrics may be nil.
func NewEditPatternEngine(cfg Config, metrics *MetricsRecorder, logger *slog.Logger) *EditPatternEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditPatternEngine{
		patterns: make(map[string]*Pattern),
		config:   cfg,
		metrics:  metrics,
		logger:   logger.With("component", "EditPatternEngine"),
		now:      time.Now,
	}
}

// UpdateConfig applies new history/window/confidence settings.
func (pe *EditPatternEngine) UpdateConfig(cfg Config) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.config = cfg
	pe.trimHistoryLocked()
}

// patternSignature summarizes an edit's shape: type plus a size bucket.
// Similar edits share a signature and accumulate into one evolving Pattern.
func patternSignature(e EditEvent) string {
	size := len(e.NewText)
	if e.Type() == EditDelete {
		size = len(e.OldText)
	}
	return fmt.Sprintf("%s:%s:%d", e.DocumentID, e.Type(), size/sizeBucketWidth)
}

// TrackEdit appends a committed edit to the history and updates patterns.
func (pe *EditPatternEngine) TrackEdit(e EditEvent) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = pe.now()
	}

	var prev *EditEvent
	if len(pe.history) > 0 {
		prev = &pe.history[len(pe.history)-1]
	}
	pe.history = append(pe.history, e)
	pe.trimHistoryLocked()

	if prev != nil && editsSimilar(*prev, e) {
		sig := patternSignature(e)
		pat, ok := pe.patterns[sig]
		if !ok {
			// Sizes within tolerance can straddle a bucket boundary; the
			// pattern then lives under the previous edit's signature.
			if prevSig := patternSignature(*prev); prevSig != sig {
				if prevPat, prevOk := pe.patterns[prevSig]; prevOk {
					pat, ok, sig = prevPat, true, prevSig
				}
			}
		}
		if !ok {
			pat = &Pattern{
				Type:       PatternRepetition,
				Signature:  sig,
				Confidence: basePatternConfidence,
			}
			pe.patterns[sig] = pat
			pat.SupportingEdits = append(pat.SupportingEdits, *prev)
		} else {
			pat.Confidence += patternConfidenceStep
			if pat.Confidence > maxPatternConfidence {
				pat.Confidence = maxPatternConfidence
			}
		}
		pat.SupportingEdits = append(pat.SupportingEdits, e)
		pat.LastSeen = e.Timestamp
		pe.logger.Debug("Repetition pattern updated", "signature", sig, "confidence", pat.Confidence, "evidence", len(pat.SupportingEdits))
	}

	pe.prunePatternsLocked()
}

// editsSimilar reports whether two consecutive edits corroborate each other:
// same document, same edit type, size within a small tolerance.
func editsSimilar(a, b EditEvent) bool {
	if a.DocumentID != b.DocumentID || a.Type() != b.Type() {
		return false
	}
	sizeA, sizeB := len(a.NewText), len(b.NewText)
	if a.Type() == EditDelete {
		sizeA, sizeB = len(a.OldText), len(b.OldText)
	}
	diff := sizeA - sizeB
	if diff < 0 {
		diff = -diff
	}
	return diff <= repetitionSizeTolerance
}

func (pe *EditPatternEngine) trimHistoryLocked() {
	max := pe.config.HistorySize
	if max <= 0 {
		max = defaultHistorySize
	}
	if excess := len(pe.history) - max; excess > 0 {
		pe.history = append(pe.history[:0:0], pe.history[excess:]...)
	}
}

// prunePatternsLocked ages out patterns whose last supporting edit fell
// outside the rolling window. Expiry is the only confidence decay.
func (pe *EditPatternEngine) prunePatternsLocked() {
	cutoff := pe.now().Add(-pe.config.PatternWindow)
	for sig, pat := range pe.patterns {
		if pat.LastSeen.Before(cutoff) {
			delete(pe.patterns, sig)
			pe.logger.Debug("Pattern aged out of window", "signature", sig)
		}
	}
}

// recentEdits returns history entries within the rolling window for a document.
func (pe *EditPatternEngine) recentEditsLocked(documentID string) []EditEvent {
	cutoff := pe.now().Add(-pe.config.PatternWindow)
	var out []EditEvent
	for _, e := range pe.history {
		if e.DocumentID == documentID && !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// PredictNext merges all detectors, filters by minimum confidence, sorts
// descending by confidence (stable) and caps the list. The result becomes
// the active prediction list with the navigation cursor reset.
func (pe *EditPatternEngine) PredictNext(ec EditorContext) []EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.prunePatternsLocked()
	now := pe.now()

	var predictions []EditPrediction
	predictions = append(predictions, pe.predictRepetitionLocked(ec, now)...)
	predictions = append(predictions, pe.predictNavigationLocked(ec, now)...)
	predictions = append(predictions, pe.predictStructuralLocked(ec, now)...)

	minConf := pe.config.MinConfidence
	filtered := predictions[:0]
	for _, p := range predictions {
		if p.Confidence >= minConf {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Confidence > filtered[j].Confidence
	})
	if max := pe.config.MaxPredictions; max > 0 && len(filtered) > max {
		filtered = filtered[:max]
	}

	pe.active = append([]EditPrediction(nil), filtered...)
	pe.cursor = -1
	pe.logger.Debug("Predictions refreshed", "count", len(pe.active))
	return append([]EditPrediction(nil), pe.active...)
}

// predictRepetitionLocked projects each live repetition pattern forward: the
// next location continues the average line stride of its evidence.
func (pe *EditPatternEngine) predictRepetitionLocked(ec EditorContext, now time.Time) []EditPrediction {
	var out []EditPrediction
	for _, pat := range pe.patterns {
		n := len(pat.SupportingEdits)
		if n < 2 {
			continue
		}
		last := pat.SupportingEdits[n-1]
		if last.DocumentID != ec.DocumentID {
			continue
		}
		stride := 0
		for i := 1; i < n; i++ {
			stride += pat.SupportingEdits[i].CursorAfter.Line - pat.SupportingEdits[i-1].CursorAfter.Line
		}
		stride /= n - 1
		nextLine := last.CursorAfter.Line + stride
		if nextLine < 0 {
			nextLine = 0
		}
		out = append(out, EditPrediction{
			ID:            uuid.NewString(),
			DocumentID:    ec.DocumentID,
			Position:      Position{Line: nextLine, Column: last.CursorAfter.Column},
			PredictedText: last.NewText,
			Confidence:    pat.Confidence,
			Source:        PatternRepetition,
			Timestamp:     now,
		})
	}
	return out
}

// predictNavigationLocked looks at per-step line deltas across the window.
// Low variance means the user is stepping through the file at a steady
// stride; confidence is inversely related to the variance.
func (pe *EditPatternEngine) predictNavigationLocked(ec EditorContext, now time.Time) []EditPrediction {
	recent := pe.recentEditsLocked(ec.DocumentID)
	if len(recent) < 3 {
		return nil
	}
	deltas := make([]float64, 0, len(recent)-1)
	for i := 1; i < len(recent); i++ {
		deltas = append(deltas, float64(recent[i].CursorAfter.Line-recent[i-1].CursorAfter.Line))
	}
	mean := 0.0
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))
	variance := 0.0
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))
	if variance > navigationVarianceMax {
		return nil
	}

	confidence := int(90.0 * (1.0 - variance/navigationVarianceMax))
	if confidence > maxPatternConfidence {
		confidence = maxPatternConfidence
	}
	last := recent[len(recent)-1]
	nextLine := last.CursorAfter.Line + int(mean+0.5)
	if nextLine < 0 {
		nextLine = 0
	}
	return []EditPrediction{{
		ID:         uuid.NewString(),
		DocumentID: ec.DocumentID,
		Position:   Position{Line: nextLine, Column: last.CursorAfter.Column},
		Confidence: confidence,
		Source:     PatternNavigation,
		Timestamp:  now,
	}}
}

// predictStructuralLocked scans the cursor's line for unbalanced brackets and
// predicts the closing characters. Always available, not learned.
func (pe *EditPatternEngine) predictStructuralLocked(ec EditorContext, now time.Time) []EditPrediction {
	line := lineAt(ec.FullText, ec.Cursor.Line)
	closing := missingClosers(line)
	if closing == "" {
		return nil
	}
	return []EditPrediction{{
		ID:            uuid.NewString(),
		DocumentID:    ec.DocumentID,
		Position:      Position{Line: ec.Cursor.Line, Column: len(line)},
		PredictedText: closing,
		Confidence:    structuralConfidence,
		Source:        PatternStructural,
		Timestamp:     now,
	}}
}

// missingClosers returns the closing characters needed to balance a line's
// open brackets, innermost first.
func missingClosers(line string) string {
	var stack []byte
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(', '[', '{':
			stack = append(stack, line[i])
		case ')', ']', '}':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '(':
			b.WriteByte(')')
		case '[':
			b.WriteByte(']')
		case '{':
			b.WriteByte('}')
		}
	}
	return b.String()
}

// ============================================================================
// Navigation
// ============================================================================

// NavigateNext advances the cyclic cursor and returns the prediction there.
// The first call after PredictNext lands on the top-ranked prediction.
func (pe *EditPatternEngine) NavigateNext() *EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if len(pe.active) == 0 {
		return nil
	}
	pe.cursor = (pe.cursor + 1) % len(pe.active)
	p := pe.active[pe.cursor]
	return &p
}

// NavigatePrevious steps the cyclic cursor backwards, wrapping.
func (pe *EditPatternEngine) NavigatePrevious() *EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if len(pe.active) == 0 {
		return nil
	}
	if pe.cursor < 0 {
		pe.cursor = 0
	}
	pe.cursor = (pe.cursor - 1 + len(pe.active)) % len(pe.active)
	p := pe.active[pe.cursor]
	return &p
}

// Accept removes the prediction at the navigation cursor and clamps the index.
func (pe *EditPatternEngine) Accept() *EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	p := pe.removeCurrentLocked()
	if p != nil && pe.metrics != nil {
		pe.metrics.RecordPredictionAccepted()
	}
	return p
}

// Reject removes the prediction at the navigation cursor and records a
// rejection metric.
func (pe *EditPatternEngine) Reject() *EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	p := pe.removeCurrentLocked()
	if p != nil && pe.metrics != nil {
		pe.metrics.RecordPredictionRejected()
	}
	return p
}

func (pe *EditPatternEngine) removeCurrentLocked() *EditPrediction {
	if len(pe.active) == 0 {
		return nil
	}
	// Before any navigation the top-ranked prediction is the implicit current.
	idx := pe.cursor
	if idx < 0 {
		idx = 0
	}
	p := pe.active[idx]
	pe.active = append(pe.active[:idx], pe.active[idx+1:]...)
	// Leave the cursor pointing just before the successor so the next
	// NavigateNext lands on it.
	pe.cursor = idx - 1
	if len(pe.active) == 0 {
		pe.cursor = -1
	}
	return &p
}

// ActivePredictions returns a copy of the current ranked list.
func (pe *EditPatternEngine) ActivePredictions() []EditPrediction {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return append([]EditPrediction(nil), pe.active...)
}

// HistoryLen reports the current edit-history length (observability).
func (pe *EditPatternEngine) HistoryLen() int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return len(pe.history)
}

// PatternCount reports the number of live patterns (observability).
func (pe *EditPatternEngine) PatternCount() int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return len(pe.patterns)
}
