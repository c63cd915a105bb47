// tabflow/engine.go
// Completion Engine and the Completer service that wires the whole pipeline:
// assembler, suggestion cache, coordinator, keystroke trigger, edit pattern
// engine, metrics, and the completion oracle.
package tabflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Oracle Client
// =============================================================================

// Oracle produces raw completion text. Implementations must respect ctx.
type Oracle interface {
	GenerateStream(ctx context.Context, prompt string, config Config, logger *stdslog.Logger) (io.ReadCloser, error)
	CheckAvailability(ctx context.Context, config Config, logger *stdslog.Logger) error
}

// OracleError carries a non-OK HTTP status from the oracle API.
type OracleError struct {
	Message string
	Status  int
}

func (e *OracleError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

// oracleResponse is one ndjson line of the oracle's streaming response.
type oracleResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// httpOracleClient implements Oracle against an Ollama-compatible HTTP API.
type httpOracleClient struct {
	httpClient *http.Client
}

func newHTTPOracleClient() *httpOracleClient {
	return &httpOracleClient{
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: 20 * time.Second,
			},
		},
	}
}

// CheckAvailability sends a simple request to the oracle base URL.
func (c *httpOracleClient) CheckAvailability(ctx context.Context, config Config, logger *stdslog.Logger) error {
	if logger == nil {
		logger = stdslog.Default()
	}
	checkLogger := logger.With("operation", "CheckAvailability", "url", config.OracleURL)
	checkLogger.Debug("Checking oracle availability")

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, config.OracleURL, nil)
	if err != nil {
		checkLogger.Error("Failed to create availability check request", "error", err)
		return fmt.Errorf("%w: failed to create check request: %w", ErrOracleUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			checkLogger.Error("Timeout checking oracle availability", "error", err)
		} else {
			checkLogger.Error("Failed to connect to oracle for availability check", "error", err)
		}
		return fmt.Errorf("%w: availability check failed: %w", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	checkLogger.Debug("Oracle availability check successful", "status", resp.StatusCode)
	return nil
}

// GenerateStream posts to the oracle's /api/generate endpoint and returns the
// streaming ndjson response body.
func (c *httpOracleClient) GenerateStream(ctx context.Context, prompt string, config Config, logger *stdslog.Logger) (io.ReadCloser, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	opLogger := logger.With("operation", "GenerateStream", "model", config.Model)

	base := strings.TrimSuffix(config.OracleURL, "/")
	endpointURL := base + "/api/generate"
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing oracle URL '%s': %w", endpointURL, err)
	}

	payload := map[string]interface{}{
		"model":  config.Model,
		"prompt": prompt,
		"stream": true,
		"options": map[string]interface{}{
			"temperature": config.Temperature,
			"num_ctx":     4096,
			"top_p":       0.9,
			"stop":        config.Stop,
			"num_predict": config.MaxTokens,
		},
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBuffer(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	opLogger.Debug("Sending generate request to oracle", "url", endpointURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			opLogger.Warn("Oracle generate request context cancelled", "url", endpointURL)
			return nil, context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			opLogger.Error("Oracle generate request context deadline exceeded", "url", endpointURL)
			return nil, fmt.Errorf("%w: context deadline exceeded: %w", ErrOracleUnavailable, context.DeadlineExceeded)
		}

		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				opLogger.Error("Network timeout during oracle generate request", "host", u.Host, "error", netErr)
				return nil, fmt.Errorf("%w: network timeout: %w", ErrOracleUnavailable, netErr)
			}
			if opErr, ok := netErr.(*net.OpError); ok && opErr.Op == "dial" {
				opLogger.Error("Connection refused or network error during oracle generate request", "host", u.Host, "error", opErr)
				return nil, fmt.Errorf("%w: connection failed: %w", ErrOracleUnavailable, opErr)
			}
		}

		opLogger.Error("HTTP request to oracle generate failed", "url", endpointURL, "error", err)
		return nil, fmt.Errorf("%w: http request failed: %w", ErrOracleUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, readErr := io.ReadAll(resp.Body)
		bodyString := "(failed to read error response body)"
		if readErr == nil {
			bodyString = string(bodyBytes)
			var errResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Error != "" {
				bodyString = errResp.Error
			}
		}
		apiErr := &OracleError{Message: fmt.Sprintf("oracle API request failed: %s", bodyString), Status: resp.StatusCode}
		opLogger.Error("Oracle API returned non-OK status", "status", resp.Status, "response_body", bodyString)
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, apiErr)
	}

	return resp.Body, nil
}

// =============================================================================
// Stream Processing
// =============================================================================

// collectStream reads the oracle's ndjson stream and accumulates the response
// text into w.
func collectStream(ctx context.Context, r io.ReadCloser, w io.Writer, logger *stdslog.Logger) error {
	defer r.Close()
	reader := bufio.NewReader(r)
	lineCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Warn("Context cancelled during streaming", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					if procErr := processStreamLine(line, w, logger); procErr != nil {
						return procErr
					}
				}
				logger.Debug("Stream processing finished (EOF)", "lines_processed", lineCount)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: error reading from oracle stream: %w", ErrStreamProcessing, err)
			}
		}
		lineCount++
		if procErr := processStreamLine(line, w, logger); procErr != nil {
			return procErr
		}
	}
}

// processStreamLine decodes one ndjson line and writes its content chunk.
func processStreamLine(line []byte, w io.Writer, logger *stdslog.Logger) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var resp oracleResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		logger.Debug("Ignoring non-JSON line from oracle stream", "line", string(line))
		return nil
	}
	if resp.Error != "" {
		logger.Error("Oracle stream reported an error", "error", resp.Error)
		return fmt.Errorf("%w: oracle stream error: %s", ErrStreamProcessing, resp.Error)
	}
	if _, err := fmt.Fprint(w, resp.Response); err != nil {
		return fmt.Errorf("%w: error writing to output: %w", ErrStreamProcessing, err)
	}
	return nil
}

// =============================================================================
// Prompt Construction & Post-Processing
// =============================================================================

// buildPreamble renders the assembled context as the prompt's CONTEXT block.
func buildPreamble(ac *AssembledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", ac.Language)
	if len(ac.Imports) > 0 {
		fmt.Fprintf(&b, "Imports: %s\n", strings.Join(ac.Imports, ", "))
	}
	if len(ac.Functions) > 0 {
		fmt.Fprintf(&b, "Functions: %s\n", strings.Join(ac.Functions, ", "))
	}
	if len(ac.Classes) > 0 {
		fmt.Fprintf(&b, "Classes: %s\n", strings.Join(ac.Classes, ", "))
	}
	if len(ac.Types) > 0 {
		fmt.Fprintf(&b, "Types: %s\n", strings.Join(ac.Types, ", "))
	}
	if ac.SymbolAtCursor != "" {
		fmt.Fprintf(&b, "Symbol at cursor: %s\n", ac.SymbolAtCursor)
	}
	if ac.Window != "" {
		fmt.Fprintf(&b, "Nearby code:\n%s\n", ac.Window)
	}
	return b.String()
}

// formatPrompt selects the prompt strategy from the language-context kind.
// String contexts produce no prompt: completing inside string literals is
// more noise than help.
func formatPrompt(cfg Config, ac *AssembledContext) (string, bool) {
	preamble := buildPreamble(ac)
	switch ac.Kind {
	case ContextString:
		return "", false
	case ContextComment, ContextDocComment:
		return fmt.Sprintf(cfg.DocTemplate, preamble, ac.LinePrefix), true
	default:
		return fmt.Sprintf(cfg.CodeTemplate, preamble, ac.LinePrefix), true
	}
}

// sanitizeCompletion strips markdown code fences and a leading echo of the
// line prefix, both common oracle artifacts.
func sanitizeCompletion(raw, linePrefix string) string {
	text := raw
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		} else {
			text = ""
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	trimmedPrefix := strings.TrimLeft(linePrefix, " \t")
	if trimmedPrefix != "" {
		candidate := strings.TrimLeft(text, " \t")
		if strings.HasPrefix(candidate, trimmedPrefix) {
			text = strings.TrimPrefix(candidate, trimmedPrefix)
		}
	}
	return strings.TrimRight(text, "\n")
}

// relevanceScore ranks a list-mode candidate locally: known symbols raise it,
// echoing the already-typed prefix lowers it, shorter candidates edge out
// longer ones. Deterministic so ranking stays stable across runs.
func relevanceScore(candidate string, ac *AssembledContext) float64 {
	score := 1.0
	for _, fn := range ac.Functions {
		if fn != "" && strings.Contains(candidate, fn) {
			score += 0.5
		}
	}
	for _, t := range ac.Types {
		if t != "" && strings.Contains(candidate, t) {
			score += 0.25
		}
	}
	if ac.SymbolAtCursor != "" && strings.Contains(candidate, ac.SymbolAtCursor) {
		score += 0.5
	}
	trimmedPrefix := strings.TrimSpace(ac.LinePrefix)
	if trimmedPrefix != "" && strings.HasPrefix(strings.TrimSpace(candidate), trimmedPrefix) {
		score -= 0.5
	}
	score -= float64(len(candidate)) * 0.001
	return score
}

// =============================================================================
// Completer Service
// =============================================================================

// Completer orchestrates the completion pipeline. All collaborators are
// injected at construction; there are no package-level singletons.
type Completer struct {
	oracle      Oracle
	assembler   *ContextAssembler
	cache       *SuggestionCache
	coordinator *RequestCoordinator
	trigger     *KeystrokeTrigger
	patterns    *EditPatternEngine
	metrics     *MetricsRecorder

	config   Config
	configMu sync.RWMutex
	logger   *stdslog.Logger
}

// NewCompleter creates a Completer, loading configuration from the standard
// paths. A non-fatal config load problem returns the working Completer
// together with an ErrConfig-wrapped error.
func NewCompleter(logger *stdslog.Logger) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Completer")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	if err := cfg.Validate(serviceLogger); err != nil {
		serviceLogger.Error("Initial configuration is invalid after loading/defaults", "error", err)
		if errors.Is(err, ErrInvalidConfig) {
			return nil, fmt.Errorf("initial config validation failed: %w", err)
		}
		serviceLogger.Warn("Initial config validation reported issues", "error", err)
	}

	c, err := NewCompleterWithConfig(cfg, serviceLogger)
	if err != nil {
		return nil, err
	}
	if configErr != nil && errors.Is(configErr, ErrConfig) {
		return c, configErr
	}
	return c, nil
}

// NewCompleterWithConfig creates a Completer with a specific configuration.
func NewCompleterWithConfig(config Config, logger *stdslog.Logger) (*Completer, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Completer")

	if config.CodeTemplate == "" {
		config.CodeTemplate = codePromptTemplate
	}
	if config.DocTemplate == "" {
		config.DocTemplate = docPromptTemplate
	}
	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	cache, err := NewSuggestionCache(config.CacheSize, serviceLogger)
	if err != nil {
		return nil, fmt.Errorf("%w: creating suggestion cache: %w", ErrCache, err)
	}

	metrics := NewMetricsRecorder(metricsDBPath(serviceLogger), serviceLogger)
	assembler := NewContextAssembler(NewHeuristicAnalyzer(serviceLogger), config, serviceLogger)

	c := &Completer{
		oracle:    newHTTPOracleClient(),
		assembler: assembler,
		cache:     cache,
		patterns:  NewEditPatternEngine(config, metrics, serviceLogger),
		metrics:   metrics,
		config:    config,
		logger:    serviceLogger,
	}
	c.coordinator = NewRequestCoordinator(c.GetInline, nil, config.MaxPendingRequests, serviceLogger)
	c.trigger = NewKeystrokeTrigger(config, c.coordinator.Request, c.coordinator.Cancel, nil, metrics, serviceLogger)
	c.coordinator.SetResultFunc(c.trigger.Deliver)
	c.coordinator.SetDispatchObserver(c.trigger.MarkDispatched)
	return c, nil
}

// metricsDBPath resolves the metrics database location under the user cache
// directory. Returns "" (persistence disabled) when the directory cannot be
// prepared.
func metricsDBPath(logger *stdslog.Logger) string {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		logger.Warn("Could not determine user cache directory, metrics persistence disabled.", "error", err)
		return ""
	}
	dbDir := filepath.Join(userCacheDir, configDirName, "metrics", fmt.Sprintf("v%d", metricsSchemaVersion))
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		logger.Warn("Could not create metrics directory, metrics persistence disabled.", "path", dbDir, "error", err)
		return ""
	}
	return filepath.Join(dbDir, "metrics.db")
}

// SetOracle replaces the oracle client. Intended for wiring and tests;
// call before the pipeline starts serving requests.
func (c *Completer) SetOracle(o Oracle) {
	c.oracle = o
}

// SetDocumentLookup installs the fallback used to resolve document text for
// keystrokes that do not carry content.
func (c *Completer) SetDocumentLookup(lookup DocumentLookup) {
	c.trigger.SetLookup(lookup)
}

// SetDeliveryObserver registers a callback invoked after each successful
// suggestion delivery, in addition to the trigger's own handling.
func (c *Completer) SetDeliveryObserver(observe func(*InlineSuggestion)) {
	c.coordinator.SetResultFunc(func(key RequestKey, ec EditorContext, suggestion *InlineSuggestion, err error) {
		c.trigger.Deliver(key, ec, suggestion, err)
		if err == nil && suggestion != nil && observe != nil {
			observe(suggestion)
		}
	})
}

// Close releases pipeline resources and flushes metrics.
func (c *Completer) Close() error {
	c.logger.Info("Closing Completer service")
	c.coordinator.Close()
	var errs []error
	if err := c.assembler.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.metrics.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetCurrentConfig returns a copy of the active configuration.
func (c *Completer) GetCurrentConfig() Config {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	cfgCopy := c.config
	if cfgCopy.Stop != nil {
		stopsCopy := make([]string, len(cfgCopy.Stop))
		copy(stopsCopy, cfgCopy.Stop)
		cfgCopy.Stop = stopsCopy
	}
	return cfgCopy
}

// UpdateConfig validates and applies a new configuration, propagating it to
// every component.
func (c *Completer) UpdateConfig(newConfig Config) error {
	if newConfig.CodeTemplate == "" {
		newConfig.CodeTemplate = codePromptTemplate
	}
	if newConfig.DocTemplate == "" {
		newConfig.DocTemplate = docPromptTemplate
	}
	if err := newConfig.Validate(c.logger); err != nil {
		c.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	c.configMu.Lock()
	c.config = newConfig
	c.configMu.Unlock()

	c.assembler.UpdateConfig(newConfig)
	c.trigger.UpdateConfig(newConfig)
	c.patterns.UpdateConfig(newConfig)
	c.cache.Resize(newConfig.CacheSize)

	c.logger.Info("Completer configuration updated",
		stdslog.Group("new_config",
			stdslog.String("oracle_url", newConfig.OracleURL),
			stdslog.String("model", newConfig.Model),
			stdslog.Int("debounce_ms", newConfig.DebounceMs),
			stdslog.Int("cache_size", newConfig.CacheSize),
			stdslog.Int("max_pending_requests", newConfig.MaxPendingRequests),
			stdslog.Int("min_confidence", newConfig.MinConfidence),
			stdslog.String("log_level", newConfig.LogLevel),
		),
	)
	return nil
}

// CheckOracle verifies the oracle endpoint is reachable.
func (c *Completer) CheckOracle(ctx context.Context) error {
	return c.oracle.CheckAvailability(ctx, c.GetCurrentConfig(), c.logger)
}

// =============================================================================
// Inline & List Completion
// =============================================================================

// GetInline runs the full inline pipeline for one editor context. Failures
// return nil with the failed counter bumped; cancellation counts as aborted
// and its result is never cached.
func (c *Completer) GetInline(ctx context.Context, ec EditorContext) (*InlineSuggestion, error) {
	cfg := c.GetCurrentConfig()
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	opLogger := c.logger.With("operation", "GetInline", "doc", ec.DocumentID, "cursor", ec.Cursor)
	c.metrics.RecordRequest()
	start := time.Now()

	ac := c.assembler.Assemble(ctx, ec)
	key := SuggestionCacheKey(ec, ac)
	fingerprint := ContextFingerprint(ac)

	if cfg.CacheEnabled {
		if text, ok := c.cache.Get(key, fingerprint); ok {
			c.metrics.RecordCacheHit()
			c.metrics.RecordLatency(time.Since(start))
			opLogger.Debug("Suggestion served from cache")
			return &InlineSuggestion{
				ID:         uuid.NewString(),
				DocumentID: ec.DocumentID,
				Text:       text,
				Position:   ec.Cursor,
				CreatedAt:  time.Now(),
				FromCache:  true,
			}, nil
		}
		c.metrics.RecordCacheMiss()
	}

	prompt, ok := formatPrompt(cfg, ac)
	if !ok {
		opLogger.Debug("No completion for this context kind", "kind", ac.Kind)
		return nil, nil
	}

	text, err := c.generate(ctx, cfg, prompt, ac.LinePrefix, opLogger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.metrics.RecordAborted()
			return nil, err
		}
		c.metrics.RecordFailed()
		opLogger.Warn("Inline completion failed", "error", err)
		return nil, err
	}
	if text == "" {
		opLogger.Debug("Oracle produced no usable completion")
		return nil, nil
	}

	if ctx.Err() != nil {
		c.metrics.RecordAborted()
		return nil, ctx.Err()
	}

	if cfg.CacheEnabled {
		c.cache.Set(key, ec.DocumentID, text, fingerprint)
	}
	c.metrics.RecordLatency(time.Since(start))

	return &InlineSuggestion{
		ID:         uuid.NewString(),
		DocumentID: ec.DocumentID,
		Text:       text,
		Position:   ec.Cursor,
		CreatedAt:  time.Now(),
	}, nil
}

// generate performs a single bounded oracle call and post-processes the text.
func (c *Completer) generate(ctx context.Context, cfg Config, prompt, linePrefix string, logger *stdslog.Logger) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, cfg.OracleTimeout)
	defer cancel()

	body, err := c.oracle.GenerateStream(genCtx, prompt, cfg, logger)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		return "", err
	}

	var sb strings.Builder
	if err := collectStream(genCtx, body, &sb, logger); err != nil {
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		return "", err
	}
	return sanitizeCompletion(sb.String(), linePrefix), nil
}

// GetList runs list-mode completion: one oracle call, candidates split on
// blank lines, deduplicated, locally ranked, capped at maxSuggestions.
func (c *Completer) GetList(ctx context.Context, ec EditorContext) ([]Completion, error) {
	cfg := c.GetCurrentConfig()
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	opLogger := c.logger.With("operation", "GetList", "doc", ec.DocumentID, "cursor", ec.Cursor)
	c.metrics.RecordRequest()

	ac := c.assembler.Assemble(ctx, ec)
	key := ListCacheKey(ec, ac)
	fingerprint := ContextFingerprint(ac)

	if cfg.CacheEnabled {
		if raw, ok := c.cache.Get(key, fingerprint); ok {
			c.metrics.RecordCacheHit()
			opLogger.Debug("List candidates served from cache")
			return rankCandidates(raw, ac, cfg.MaxSuggestions), nil
		}
		c.metrics.RecordCacheMiss()
	}

	prompt, ok := formatPrompt(cfg, ac)
	if !ok {
		return nil, nil
	}

	raw, err := c.generate(ctx, cfg, prompt, ac.LinePrefix, opLogger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.metrics.RecordAborted()
			return nil, err
		}
		c.metrics.RecordFailed()
		opLogger.Warn("List completion failed", "error", err)
		return nil, err
	}

	if ctx.Err() != nil {
		c.metrics.RecordAborted()
		return nil, ctx.Err()
	}
	if cfg.CacheEnabled && raw != "" {
		c.cache.Set(key, ec.DocumentID, raw, fingerprint)
	}

	completions := rankCandidates(raw, ac, cfg.MaxSuggestions)
	opLogger.Debug("List completion produced candidates", "count", len(completions))
	return completions, nil
}

// rankCandidates splits raw oracle output into candidates on blank-line
// boundaries, dedupes, scores, and stable-sorts descending. Ties keep the
// oracle's original order.
func rankCandidates(raw string, ac *AssembledContext, max int) []Completion {
	parts := strings.Split(raw, "\n\n")
	seen := make(map[string]struct{}, len(parts))
	completions := make([]Completion, 0, len(parts))
	for _, part := range parts {
		text := strings.TrimRight(part, "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		completions = append(completions, Completion{
			Text:  text,
			Score: relevanceScore(text, ac),
		})
	}
	sort.SliceStable(completions, func(i, j int) bool {
		return completions[i].Score > completions[j].Score
	})
	if max > 0 && len(completions) > max {
		completions = completions[:max]
	}
	return completions
}

// =============================================================================
// Caller-Facing Pipeline API
// =============================================================================

// OnKeystroke feeds an editor keystroke into the trigger.
func (c *Completer) OnKeystroke(ev KeystrokeEvent) error {
	return c.trigger.OnKeystroke(ev)
}

// RequestInlineCompletion submits an explicit (non-keystroke) completion
// request through the coordinator.
func (c *Completer) RequestInlineCompletion(ec EditorContext, debounce time.Duration) error {
	return c.coordinator.Request(ec, debounce)
}

// RequestCompletions runs list-mode completion synchronously.
func (c *Completer) RequestCompletions(ctx context.Context, ec EditorContext) ([]Completion, error) {
	return c.GetList(ctx, ec)
}

// CurrentSuggestion returns the displayed inline suggestion, or nil.
func (c *Completer) CurrentSuggestion() *InlineSuggestion {
	return c.trigger.Current()
}

// AcceptSuggestion records acceptance (possibly partial) of the current
// suggestion and clears it.
func (c *Completer) AcceptSuggestion(partial bool) *InlineSuggestion {
	return c.trigger.AcceptCurrent(partial)
}

// RejectSuggestion records rejection of the current suggestion and clears it.
func (c *Completer) RejectSuggestion() *InlineSuggestion {
	return c.trigger.RejectCurrent()
}

// CancelDocument cancels any in-flight request and suggestion for a document.
func (c *Completer) CancelDocument(documentID string) {
	c.trigger.CancelCurrent(documentID)
}

// CancelAllRequests cancels every pending and active completion request.
func (c *Completer) CancelAllRequests() {
	c.coordinator.CancelAll()
}

// TrackEdit feeds a committed edit into the pattern engine.
func (c *Completer) TrackEdit(e EditEvent) {
	c.patterns.TrackEdit(e)
}

// PredictNextEdit refreshes and returns the ranked edit predictions.
func (c *Completer) PredictNextEdit(ec EditorContext) []EditPrediction {
	return c.patterns.PredictNext(ec)
}

// NavigateToNextPrediction cycles forward through active predictions.
func (c *Completer) NavigateToNextPrediction() *EditPrediction {
	return c.patterns.NavigateNext()
}

// NavigateToPreviousPrediction cycles backward through active predictions.
func (c *Completer) NavigateToPreviousPrediction() *EditPrediction {
	return c.patterns.NavigatePrevious()
}

// AcceptPrediction consumes the prediction at the navigation cursor.
func (c *Completer) AcceptPrediction() *EditPrediction {
	return c.patterns.Accept()
}

// RejectPrediction discards the prediction at the navigation cursor.
func (c *Completer) RejectPrediction() *EditPrediction {
	return c.patterns.Reject()
}

// InvalidateDocument drops all cached and in-flight state for a document.
// Called when the document's content changes or it closes.
func (c *Completer) InvalidateDocument(documentID string) {
	removed := c.cache.Invalidate(documentID)
	c.assembler.InvalidateDocument(documentID)
	c.trigger.Forget(documentID)
	if removed > 0 {
		c.logger.Debug("Invalidated cached suggestions", "doc", documentID, "removed", removed)
	}
}

// GetMetrics returns the pipeline metrics snapshot.
func (c *Completer) GetMetrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// GetCacheStats returns suggestion cache statistics.
func (c *Completer) GetCacheStats() CacheStats {
	return c.cache.Stats()
}

// FlushMetrics persists the metrics counters immediately.
func (c *Completer) FlushMetrics() error {
	return c.metrics.Flush()
}
