// tabflow/engine_test.go
package tabflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// scriptedOracle replays a fixed sequence of response chunks as an ndjson
// stream, or fails with a fixed error.
type scriptedOracle struct {
	mu     sync.Mutex
	calls  int
	chunks []string
	err    error
}

func (o *scriptedOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *scriptedOracle) GenerateStream(ctx context.Context, prompt string, config Config, logger *slog.Logger) (io.ReadCloser, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	var b strings.Builder
	for _, chunk := range o.chunks {
		line, _ := json.Marshal(oracleResponse{Response: chunk})
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteString(`{"done":true}` + "\n")
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (o *scriptedOracle) CheckAvailability(ctx context.Context, config Config, logger *slog.Logger) error {
	return o.err
}

// newTestCompleter wires the pipeline with metrics persistence disabled so
// tests never touch the user cache directory.
func newTestCompleter(t *testing.T, cfg Config, oracle Oracle) *Completer {
	t.Helper()
	logger := newTestLogger()
	cache, err := NewSuggestionCache(cfg.CacheSize, logger)
	if err != nil {
		t.Fatalf("NewSuggestionCache failed: %v", err)
	}
	metrics := NewMetricsRecorder("", logger)
	c := &Completer{
		oracle:    oracle,
		assembler: NewContextAssembler(NewHeuristicAnalyzer(logger), cfg, logger),
		cache:     cache,
		patterns:  NewEditPatternEngine(cfg, metrics, logger),
		metrics:   metrics,
		config:    cfg,
		logger:    logger,
	}
	c.coordinator = NewRequestCoordinator(c.GetInline, nil, cfg.MaxPendingRequests, logger)
	c.trigger = NewKeystrokeTrigger(cfg, c.coordinator.Request, c.coordinator.Cancel, nil, metrics, logger)
	c.coordinator.SetResultFunc(c.trigger.Deliver)
	c.coordinator.SetDispatchObserver(c.trigger.MarkDispatched)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetInlineSuccessThenCacheHit(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{"fetchUser", "(id)"}}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.ts",
		Language:   "typescript",
		FullText:   "const user = ",
		Cursor:     Position{Line: 0, Column: 13},
	}

	s, err := c.GetInline(context.Background(), ec)
	if err != nil {
		t.Fatalf("GetInline failed: %v", err)
	}
	if s == nil || s.Text != "fetchUser(id)" {
		t.Fatalf("suggestion = %+v, want text fetchUser(id)", s)
	}
	if s.FromCache {
		t.Error("first suggestion claims cache origin")
	}

	s2, err := c.GetInline(context.Background(), ec)
	if err != nil {
		t.Fatalf("second GetInline failed: %v", err)
	}
	if s2 == nil || !s2.FromCache || s2.Text != s.Text {
		t.Errorf("second suggestion = %+v, want cached copy of the first", s2)
	}
	if got := oracle.callCount(); got != 1 {
		t.Errorf("oracle invoked %d times, want 1", got)
	}

	snap := c.GetMetrics()
	if snap.TotalRequests != 2 || snap.CacheHits != 1 || snap.CacheMisses != 1 {
		t.Errorf("metrics = %d requests / %d hits / %d misses, want 2/1/1",
			snap.TotalRequests, snap.CacheHits, snap.CacheMisses)
	}
}

func TestGetInlineDisabled(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Enabled = false
	c := newTestCompleter(t, cfg, &scriptedOracle{})

	_, err := c.GetInline(context.Background(), EditorContext{DocumentID: "doc1"})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("GetInline with pipeline disabled = %v, want ErrDisabled", err)
	}
}

func TestGetInlineSkipsStringContext(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{"never"}}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		Language:   "go",
		FullText:   `msg := "hello`,
		Cursor:     Position{Line: 0, Column: 13},
	}
	s, err := c.GetInline(context.Background(), ec)
	if err != nil || s != nil {
		t.Errorf("string-literal context = (%+v, %v), want (nil, nil)", s, err)
	}
	if got := oracle.callCount(); got != 0 {
		t.Errorf("oracle invoked %d times inside a string literal, want 0", got)
	}
}

func TestGetInlineOracleFailure(t *testing.T) {
	oracle := &scriptedOracle{err: errors.New("model not loaded")}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		FullText:   "x := compute(",
		Cursor:     Position{Line: 0, Column: 13},
	}
	s, err := c.GetInline(context.Background(), ec)
	if err == nil || s != nil {
		t.Fatalf("GetInline = (%+v, %v), want oracle error", s, err)
	}
	snap := c.GetMetrics()
	if snap.Failed != 1 {
		t.Errorf("Failed = %d, want 1", snap.Failed)
	}
	if c.cache.Len() != 0 {
		t.Error("failed completion was cached")
	}
}

func TestGetInlineCancelledNeverCached(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{"late result"}}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec := EditorContext{
		DocumentID: "app.go",
		FullText:   "x := compute(",
		Cursor:     Position{Line: 0, Column: 13},
	}
	_, err := c.GetInline(ctx, ec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetInline on cancelled context = %v, want context.Canceled", err)
	}
	snap := c.GetMetrics()
	if snap.Aborted != 1 {
		t.Errorf("Aborted = %d, want 1", snap.Aborted)
	}
	if snap.Failed != 0 {
		t.Errorf("Failed = %d, cancellation must not count as failure", snap.Failed)
	}
	if c.cache.Len() != 0 {
		t.Error("cancelled completion was cached")
	}
}

func TestGetInlineEmptyCompletion(t *testing.T) {
	oracle := &scriptedOracle{chunks: nil}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		FullText:   "x := compute(",
		Cursor:     Position{Line: 0, Column: 13},
	}
	s, err := c.GetInline(context.Background(), ec)
	if err != nil || s != nil {
		t.Errorf("empty oracle output = (%+v, %v), want (nil, nil)", s, err)
	}
	if c.cache.Len() != 0 {
		t.Error("empty completion was cached")
	}
}

func TestGetListRanksCandidates(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{
		"fmt.Println(x)\n\nos.ReadFile(path)\n\nfmt.Println(x)",
	}}
	cfg := getDefaultConfig()
	c := newTestCompleter(t, cfg, oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		Language:   "go",
		FullText:   "func ReadFile() {}\nx := ",
		Cursor:     Position{Line: 1, Column: 5},
	}
	completions, err := c.GetList(context.Background(), ec)
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(completions) != 2 {
		t.Fatalf("got %d candidates, want 2 after dedupe: %+v", len(completions), completions)
	}
	// The candidate mentioning the declared ReadFile function outranks the
	// other.
	if completions[0].Text != "os.ReadFile(path)" {
		t.Errorf("top candidate = %q, want os.ReadFile(path)", completions[0].Text)
	}
	if completions[0].Score <= completions[1].Score {
		t.Errorf("scores not descending: %v", completions)
	}
}

func TestGetListServedFromCache(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{
		"fmt.Println(x)\n\nos.ReadFile(path)",
	}}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		Language:   "go",
		FullText:   "func ReadFile() {}\nx := ",
		Cursor:     Position{Line: 1, Column: 5},
	}
	first, err := c.GetList(context.Background(), ec)
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	second, err := c.GetList(context.Background(), ec)
	if err != nil {
		t.Fatalf("repeat GetList failed: %v", err)
	}
	if got := oracle.callCount(); got != 1 {
		t.Fatalf("oracle invoked %d times, want 1", got)
	}
	if len(second) != len(first) || second[0].Text != first[0].Text {
		t.Errorf("cached candidates %+v differ from first response %+v", second, first)
	}
	if snap := c.GetMetrics(); snap.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", snap.CacheHits)
	}

	// A list entry at the same location never answers an inline request.
	if _, err := c.GetInline(context.Background(), ec); err != nil {
		t.Fatalf("GetInline failed: %v", err)
	}
	if got := oracle.callCount(); got != 2 {
		t.Errorf("oracle invoked %d times after inline request, want 2", got)
	}
}

func TestRankCandidates(t *testing.T) {
	ac := &AssembledContext{
		Functions:  []string{"ReadFile"},
		LinePrefix: "x := ",
	}
	raw := "os.ReadFile(path)\n\nfmt.Println(x)\n\nos.ReadFile(path)\n\n   \n\nthird()"

	got := rankCandidates(raw, ac, 0)
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(got), got)
	}
	if got[0].Text != "os.ReadFile(path)" {
		t.Errorf("top candidate = %q", got[0].Text)
	}

	capped := rankCandidates(raw, ac, 2)
	if len(capped) != 2 {
		t.Errorf("cap 2 returned %d candidates", len(capped))
	}
}

func TestSanitizeCompletion(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		linePrefix string
		want       string
	}{
		{"plain", "foo()", "bar", "foo()"},
		{"trailing newlines", "foo()\n\n", "", "foo()"},
		{"code fence", "```go\nfoo()\n```", "", "foo()"},
		{"bare fence", "```", "", ""},
		{"prefix echo", "const x = 1 + 2", "\tconst x = 1 + ", "2"},
		{"no echo", "return nil", "x := ", "return nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeCompletion(tt.raw, tt.linePrefix); got != tt.want {
				t.Errorf("sanitizeCompletion(%q, %q) = %q, want %q", tt.raw, tt.linePrefix, got, tt.want)
			}
		})
	}
}

func TestFormatPromptStrategies(t *testing.T) {
	cfg := getDefaultConfig()

	base := &AssembledContext{
		Language:   "go",
		Functions:  []string{"Serve"},
		LinePrefix: "srv.",
	}

	stringCtx := *base
	stringCtx.Kind = ContextString
	if _, ok := formatPrompt(cfg, &stringCtx); ok {
		t.Error("string context produced a prompt")
	}

	codeCtx := *base
	codeCtx.Kind = ContextCode
	codePrompt, ok := formatPrompt(cfg, &codeCtx)
	if !ok {
		t.Fatal("code context produced no prompt")
	}
	if !strings.Contains(codePrompt, "srv.") || !strings.Contains(codePrompt, "Language: go") {
		t.Errorf("code prompt missing context: %q", codePrompt)
	}

	docCtx := *base
	docCtx.Kind = ContextDocComment
	docPrompt, ok := formatPrompt(cfg, &docCtx)
	if !ok {
		t.Fatal("doc-comment context produced no prompt")
	}
	if docPrompt == codePrompt {
		t.Error("doc-comment and code contexts share one prompt template")
	}
}

func TestBuildPreambleOmitsEmptySections(t *testing.T) {
	ac := &AssembledContext{Language: "go", SymbolAtCursor: "Println"}
	preamble := buildPreamble(ac)
	if !strings.Contains(preamble, "Language: go") {
		t.Errorf("preamble missing language: %q", preamble)
	}
	if !strings.Contains(preamble, "Symbol at cursor: Println") {
		t.Errorf("preamble missing symbol: %q", preamble)
	}
	for _, section := range []string{"Imports:", "Functions:", "Classes:", "Types:", "Nearby code:"} {
		if strings.Contains(preamble, section) {
			t.Errorf("preamble contains empty section %q: %q", section, preamble)
		}
	}
}

func TestRelevanceScore(t *testing.T) {
	ac := &AssembledContext{
		Functions:      []string{"ReadFile"},
		SymbolAtCursor: "os",
		LinePrefix:     "data := ",
	}

	known := relevanceScore("os.ReadFile(path)", ac)
	unknown := relevanceScore("helper(path)", ac)
	if known <= unknown {
		t.Errorf("known symbols did not raise score: %v vs %v", known, unknown)
	}

	echo := relevanceScore("data := open()", ac)
	fresh := relevanceScore("value := open()", ac)
	if echo >= fresh {
		t.Errorf("prefix echo did not lower score: %v vs %v", echo, fresh)
	}

	short := relevanceScore("f()", ac)
	long := relevanceScore("f()"+strings.Repeat(" ", 200), ac)
	if short <= long {
		t.Errorf("length penalty missing: %v vs %v", short, long)
	}
}

func TestCompleterUpdateConfigPropagates(t *testing.T) {
	c := newTestCompleter(t, getDefaultConfig(), &scriptedOracle{})

	cfg := c.GetCurrentConfig()
	cfg.DebounceMs = 300
	cfg.CacheSize = 10
	cfg.MinConfidence = 70
	cfg.deriveDurations()
	if err := c.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	got := c.GetCurrentConfig()
	if got.DebounceMs != 300 || got.CacheSize != 10 || got.MinConfidence != 70 {
		t.Errorf("config not applied: %+v", got)
	}

	bad := got
	bad.DebounceMs = -5
	if err := c.UpdateConfig(bad); err == nil {
		t.Error("negative debounce accepted")
	}
	if c.GetCurrentConfig().DebounceMs != 300 {
		t.Error("rejected config partially applied")
	}
}

func TestCompleterInvalidateDocument(t *testing.T) {
	oracle := &scriptedOracle{chunks: []string{"done()"}}
	c := newTestCompleter(t, getDefaultConfig(), oracle)

	ec := EditorContext{
		DocumentID: "app.go",
		FullText:   "x := ",
		Cursor:     Position{Line: 0, Column: 5},
	}
	if _, err := c.GetInline(context.Background(), ec); err != nil {
		t.Fatalf("GetInline failed: %v", err)
	}
	if c.cache.Len() != 1 {
		t.Fatalf("cache length = %d, want 1", c.cache.Len())
	}

	c.InvalidateDocument("app.go")
	if c.cache.Len() != 0 {
		t.Error("invalidation left cached suggestions behind")
	}

	// Next request goes back to the oracle.
	if _, err := c.GetInline(context.Background(), ec); err != nil {
		t.Fatalf("GetInline after invalidation failed: %v", err)
	}
	if got := oracle.callCount(); got != 2 {
		t.Errorf("oracle invoked %d times, want 2", got)
	}
}
