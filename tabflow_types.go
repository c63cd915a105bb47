// tabflow/tabflow_types.go
// Contains core type definitions used throughout the tabflow package.
package tabflow

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultOracleURL = "http://localhost:11434"
	defaultModel     = "deepseek-coder-r2"

	// Prompt template for code continuation.
	codePromptTemplate = `<s>[INST] <<SYS>>
You are an expert programming assistant.
Analyze the provided context (imports, declared symbols, nearby code) and the preceding code snippet.
Continue the code accurately and concisely.
Output ONLY the raw code completion, without any markdown, explanations, or introductory text.
<</SYS>>

CONTEXT:
%s

CODE SNIPPET TO COMPLETE:
` + "```\n%s\n```" + `
[/INST]`

	// Prompt template used when the cursor sits inside a comment or doc comment.
	docPromptTemplate = `<s>[INST] <<SYS>>
You are an expert programming assistant writing documentation.
Analyze the provided context and the comment being written.
Continue the comment text naturally and concisely.
Output ONLY the raw continuation text, without any markdown fences or explanations.
<</SYS>>

CONTEXT:
%s

COMMENT TO CONTINUE:
%s
[/INST]`

	defaultMaxTokens          = 256
	DefaultStop               = "\n" // Default stop sequence for the oracle. Exported for CLI use.
	defaultTemperature        = 0.1
	defaultLogLevel           = "info"
	defaultDebounceMs         = 150
	defaultMaxSuggestions     = 5
	defaultCacheSize          = 1000
	defaultCacheTTLSecs       = 60 // Assembler memoization TTL.
	defaultMaxPending         = 3
	defaultMinConfidence      = 30
	defaultHistorySize        = 150
	defaultPatternWindowMs    = 30000
	defaultMaxPredictions     = 5
	defaultOracleTimeoutSecs  = 10
	defaultImmediateTriggers  = ".([{\n"
	defaultContextWindowLines = 20

	defaultConfigFileName = "config.json"
	configDirName         = "tabflow"
	metricsSchemaVersion  = 1 // Bump to discard persisted metrics if formats change.
)

// Config holds the active configuration for the completion pipeline.
type Config struct {
	Enabled              bool     `json:"enabled"`
	OracleURL            string   `json:"oracle_url"`
	Model                string   `json:"model"`
	MaxTokens            int      `json:"max_tokens"`
	Stop                 []string `json:"stop"`
	Temperature          float64  `json:"temperature"`
	LogLevel             string   `json:"log_level"`
	DebounceMs           int      `json:"debounce_ms"`            // Trailing-edge debounce delay for keystrokes.
	MaxSuggestions       int      `json:"max_suggestions"`        // Cap for list-mode completions.
	CacheEnabled         bool     `json:"cache_enabled"`          // Enable the suggestion cache.
	CacheSize            int      `json:"cache_size"`             // Suggestion cache capacity (entries).
	CacheTTLSeconds      int      `json:"cache_ttl_seconds"`      // TTL for memoized context assembly.
	MaxPendingRequests   int      `json:"max_pending_requests"`   // Global in-flight request budget.
	MinConfidence        int      `json:"min_confidence"`         // Minimum confidence for edit predictions.
	HistorySize          int      `json:"history_size"`           // Edit history window (entries).
	PatternWindowMs      int      `json:"pattern_window_ms"`      // Rolling time window for pattern detection.
	MaxPredictions       int      `json:"max_predictions"`        // Cap for active edit predictions.
	OracleTimeoutSeconds int      `json:"oracle_timeout_seconds"` // Bound on a single oracle call.
	ImmediateTriggers    string   `json:"immediate_triggers"`     // Characters that bypass the debounce.
	ContextWindowLines   int      `json:"context_window_lines"`   // Lines of text kept around the cursor.

	CodeTemplate  string        `json:"-"` // Loaded internally, not from config file.
	DocTemplate   string        `json:"-"`
	CacheTTL      time.Duration `json:"-"` // Derived duration, not from file.
	PatternWindow time.Duration `json:"-"`
	OracleTimeout time.Duration `json:"-"`
	Debounce      time.Duration `json:"-"`
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	Enabled              *bool     `json:"enabled"`
	OracleURL            *string   `json:"oracle_url"`
	Model                *string   `json:"model"`
	MaxTokens            *int      `json:"max_tokens"`
	Stop                 *[]string `json:"stop"`
	Temperature          *float64  `json:"temperature"`
	LogLevel             *string   `json:"log_level"`
	DebounceMs           *int      `json:"debounce_ms"`
	MaxSuggestions       *int      `json:"max_suggestions"`
	CacheEnabled         *bool     `json:"cache_enabled"`
	CacheSize            *int      `json:"cache_size"`
	CacheTTLSeconds      *int      `json:"cache_ttl_seconds"`
	MaxPendingRequests   *int      `json:"max_pending_requests"`
	MinConfidence        *int      `json:"min_confidence"`
	HistorySize          *int      `json:"history_size"`
	PatternWindowMs      *int      `json:"pattern_window_ms"`
	MaxPredictions       *int      `json:"max_predictions"`
	OracleTimeoutSeconds *int      `json:"oracle_timeout_seconds"`
	ImmediateTriggers    *string   `json:"immediate_triggers"`
	ContextWindowLines   *int      `json:"context_window_lines"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	cfg := Config{
		Enabled:              true,
		OracleURL:            defaultOracleURL,
		Model:                defaultModel,
		MaxTokens:            defaultMaxTokens,
		Stop:                 []string{DefaultStop, "}", "//", "/*"},
		Temperature:          defaultTemperature,
		LogLevel:             defaultLogLevel,
		DebounceMs:           defaultDebounceMs,
		MaxSuggestions:       defaultMaxSuggestions,
		CacheEnabled:         true,
		CacheSize:            defaultCacheSize,
		CacheTTLSeconds:      defaultCacheTTLSecs,
		MaxPendingRequests:   defaultMaxPending,
		MinConfidence:        defaultMinConfidence,
		HistorySize:          defaultHistorySize,
		PatternWindowMs:      defaultPatternWindowMs,
		MaxPredictions:       defaultMaxPredictions,
		OracleTimeoutSeconds: defaultOracleTimeoutSecs,
		ImmediateTriggers:    defaultImmediateTriggers,
		ContextWindowLines:   defaultContextWindowLines,
		CodeTemplate:         codePromptTemplate,
		DocTemplate:          docPromptTemplate,
	}
	cfg.deriveDurations()
	return cfg
}

func (c *Config) deriveDurations() {
	c.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	c.PatternWindow = time.Duration(c.PatternWindowMs) * time.Millisecond
	c.OracleTimeout = time.Duration(c.OracleTimeoutSeconds) * time.Second
	c.Debounce = time.Duration(c.DebounceMs) * time.Millisecond
}

// Validate checks configuration values at the boundary, applying defaults for
// some fields and rejecting values the pipeline must never see.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.OracleURL) == "" {
		validationErrors = append(validationErrors, errors.New("oracle_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.OracleURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid oracle_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid oracle_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		validationErrors = append(validationErrors, errors.New("model cannot be empty"))
	}
	if c.DebounceMs < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("debounce_ms %d must be >= 0", c.DebounceMs))
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config validation: max_tokens is not positive, applying default.", "configured_value", c.MaxTokens, "default", tempDefault.MaxTokens)
		c.MaxTokens = tempDefault.MaxTokens
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		logger.Warn("Config validation: temperature is outside reasonable range [0.0, 2.0], applying default.", "configured_value", c.Temperature, "default", tempDefault.Temperature)
		validationErrors = append(validationErrors, fmt.Errorf("temperature %f is outside valid range [0.0, 2.0]", c.Temperature))
		c.Temperature = tempDefault.Temperature
	}
	if c.MaxSuggestions <= 0 {
		logger.Warn("Config validation: max_suggestions is not positive, applying default.", "configured_value", c.MaxSuggestions, "default", tempDefault.MaxSuggestions)
		c.MaxSuggestions = tempDefault.MaxSuggestions
	}
	if c.CacheSize <= 0 {
		logger.Warn("Config validation: cache_size is not positive, applying default.", "configured_value", c.CacheSize, "default", tempDefault.CacheSize)
		c.CacheSize = tempDefault.CacheSize
	}
	if c.CacheTTLSeconds <= 0 {
		logger.Warn("Config validation: cache_ttl_seconds is not positive, applying default.", "configured_value", c.CacheTTLSeconds, "default", tempDefault.CacheTTLSeconds)
		c.CacheTTLSeconds = tempDefault.CacheTTLSeconds
	}
	if c.MaxPendingRequests <= 0 {
		logger.Warn("Config validation: max_pending_requests is not positive, applying default.", "configured_value", c.MaxPendingRequests, "default", tempDefault.MaxPendingRequests)
		c.MaxPendingRequests = tempDefault.MaxPendingRequests
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		logger.Warn("Config validation: min_confidence is outside [0, 100], applying default.", "configured_value", c.MinConfidence, "default", tempDefault.MinConfidence)
		c.MinConfidence = tempDefault.MinConfidence
	}
	if c.HistorySize <= 0 {
		logger.Warn("Config validation: history_size is not positive, applying default.", "configured_value", c.HistorySize, "default", tempDefault.HistorySize)
		c.HistorySize = tempDefault.HistorySize
	}
	if c.PatternWindowMs <= 0 {
		logger.Warn("Config validation: pattern_window_ms is not positive, applying default.", "configured_value", c.PatternWindowMs, "default", tempDefault.PatternWindowMs)
		c.PatternWindowMs = tempDefault.PatternWindowMs
	}
	if c.MaxPredictions <= 0 {
		logger.Warn("Config validation: max_predictions is not positive, applying default.", "configured_value", c.MaxPredictions, "default", tempDefault.MaxPredictions)
		c.MaxPredictions = tempDefault.MaxPredictions
	}
	if c.OracleTimeoutSeconds <= 0 {
		logger.Warn("Config validation: oracle_timeout_seconds is not positive, applying default.", "configured_value", c.OracleTimeoutSeconds, "default", tempDefault.OracleTimeoutSeconds)
		c.OracleTimeoutSeconds = tempDefault.OracleTimeoutSeconds
	}
	if c.ContextWindowLines <= 0 {
		logger.Warn("Config validation: context_window_lines is not positive, applying default.", "configured_value", c.ContextWindowLines, "default", tempDefault.ContextWindowLines)
		c.ContextWindowLines = tempDefault.ContextWindowLines
	}
	if c.ImmediateTriggers == "" {
		c.ImmediateTriggers = tempDefault.ImmediateTriggers
	}

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else {
		_, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
			validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
			c.LogLevel = defaultLogLevel
		}
	}
	if c.Stop == nil {
		logger.Warn("Config validation: stop sequences list is nil, applying default.", "default", tempDefault.Stop)
		c.Stop = make([]string, len(tempDefault.Stop))
		copy(c.Stop, tempDefault.Stop)
	}

	if c.CodeTemplate == "" {
		c.CodeTemplate = codePromptTemplate
	}
	if c.DocTemplate == "" {
		c.DocTemplate = docPromptTemplate
	}
	c.deriveDurations()

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// =============================================================================
// Document & Position Types
// =============================================================================

// Position is a zero-based line/column location within a document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Before reports whether p precedes q in document order.
func (p Position) Before(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Range is a pair of Positions with Start <= End.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Valid reports whether the range invariant Start <= End holds.
func (r Range) Valid() bool {
	return !r.End.Before(r.Start)
}

// EditorContext is an immutable snapshot of a document taken at request time.
type EditorContext struct {
	DocumentID string
	FullText   string
	Language   string
	Version    int
	Cursor     Position
	Selection  *Range
}

// KeystrokeEvent is a single editor input event pushed into the trigger.
// Content, when non-empty, is the full post-keystroke document text.
type KeystrokeEvent struct {
	Key        string
	Timestamp  time.Time
	Position   Position
	Content    string
	DocumentID string
	Language   string
}

// =============================================================================
// Assembled Context Types
// =============================================================================

// LanguageContextKind classifies the syntactic region the cursor sits in.
// It selects the completion strategy downstream.
type LanguageContextKind int

const (
	ContextCode LanguageContextKind = iota
	ContextString
	ContextComment
	ContextDocComment
)

func (k LanguageContextKind) String() string {
	switch k {
	case ContextString:
		return "string"
	case ContextComment:
		return "comment"
	case ContextDocComment:
		return "doc-comment"
	default:
		return "code"
	}
}

// SymbolSummary is the black-box output of the external analyzer collaborator.
type SymbolSummary struct {
	Imports   []string
	Exports   []string
	Functions []string
	Classes   []string
	Types     []string
}

// AssembledContext is the derived, read-only snapshot consumed by the
// Completion Engine. Created per request and discarded after use.
type AssembledContext struct {
	DocumentID     string
	Language       string
	Imports        []string
	Functions      []string
	Classes        []string
	Types          []string
	SymbolAtCursor string // Identifier immediately before the cursor, if any.
	Window         string // Bounded text window around the cursor.
	LinePrefix     string // Text before the cursor on the current line.
	LineSuffix     string // Text after the cursor on the current line.
	Kind           LanguageContextKind
	Degraded       bool // True when the analyzer failed and symbols are empty.
}

// =============================================================================
// Suggestion Types
// =============================================================================

// InlineSuggestion is a single completion positioned at a cursor.
type InlineSuggestion struct {
	ID         string
	DocumentID string
	Text       string
	Position   Position
	CreatedAt  time.Time
	FromCache  bool
}

// Completion is one ranked candidate in list mode.
type Completion struct {
	Text   string
	Score  float64
	Detail string
}

// CacheStats is an observability snapshot of the suggestion cache.
type CacheStats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	StaleEvicts uint64  `json:"stale_evicts"`
	HitRate     float64 `json:"hit_rate"`
}

// =============================================================================
// Edit Pattern Types
// =============================================================================

// EditType classifies a committed edit by comparing old/new text lengths.
type EditType int

const (
	EditInsert EditType = iota
	EditDelete
	EditReplace
)

func (t EditType) String() string {
	switch t {
	case EditInsert:
		return "insert"
	case EditDelete:
		return "delete"
	default:
		return "replace"
	}
}

// EditEvent is one committed document edit. History is append-only and capped.
type EditEvent struct {
	ID           string
	DocumentID   string
	Range        Range
	OldText      string
	NewText      string
	Timestamp    time.Time
	CursorBefore Position
	CursorAfter  Position
}

// Type derives the edit classification from the old/new text lengths.
func (e EditEvent) Type() EditType {
	switch {
	case len(e.OldText) == 0 && len(e.NewText) > 0:
		return EditInsert
	case len(e.OldText) > 0 && len(e.NewText) == 0:
		return EditDelete
	default:
		return EditReplace
	}
}

// PatternType identifies which detector produced a pattern.
type PatternType string

const (
	PatternRepetition PatternType = "repetition"
	PatternNavigation PatternType = "navigation"
	PatternStructural PatternType = "structural"
	PatternSymmetry   PatternType = "symmetry"
)

// Pattern is an evolving group of similar edits identified by signature.
// Confidence grows with corroborating evidence, capped at 95, and the pattern
// ages out when its supporting edits fall outside the rolling window.
type Pattern struct {
	Type            PatternType
	Signature       string
	SupportingEdits []EditEvent
	Confidence      int
	LastSeen        time.Time
}

// EditPrediction is one ranked next-edit candidate.
type EditPrediction struct {
	ID            string
	DocumentID    string
	Position      Position
	PredictedText string
	Confidence    int
	Source        PatternType
	Timestamp     time.Time
}

// =============================================================================
// Metrics Types
// =============================================================================

// MetricsSnapshot is the counter set exposed through GetMetrics.
type MetricsSnapshot struct {
	TotalRequests       uint64  `json:"total_requests"`
	CacheHits           uint64  `json:"cache_hits"`
	CacheMisses         uint64  `json:"cache_misses"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	Accepted            uint64  `json:"accepted"`
	Rejected            uint64  `json:"rejected"`
	PartiallyAccepted   uint64  `json:"partially_accepted"`
	Failed              uint64  `json:"failed"`
	Aborted             uint64  `json:"aborted"`
	PredictionsAccepted uint64  `json:"predictions_accepted"`
	PredictionsRejected uint64  `json:"predictions_rejected"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	LatencySamples      uint64  `json:"latency_samples"`
}
