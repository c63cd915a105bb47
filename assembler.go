// tabflow/assembler.go
// Context Assembler: builds the structured snapshot consumed by the
// Completion Engine, delegating symbol extraction to an external analyzer.
package tabflow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// ContextAnalyzer is the external AST/context collaborator. Implementations
// extract imports, exports and declared symbols from raw document text.
// Failures must never crash the pipeline; the assembler degrades instead.
type ContextAnalyzer interface {
	Analyze(ctx context.Context, documentText, path string) (*SymbolSummary, error)
}

// ContextAssembler derives an AssembledContext from an EditorContext.
// Pure with respect to its input, except for a short-TTL read-through memo of
// the analyzer result so unchanged documents are not re-parsed per keystroke.
type ContextAssembler struct {
	analyzer ContextAnalyzer
	memo     *ristretto.Cache
	group    singleflight.Group
	logger   *slog.Logger
	mu       sync.RWMutex
	config   Config
}

// NewContextAssembler creates the assembler with an optional memo cache.
func NewContextAssembler(analyzer ContextAnalyzer, cfg Config, logger *slog.Logger) *ContextAssembler {
	if logger == nil {
		logger = slog.Default()
	}
	asmLogger := logger.With("component", "ContextAssembler")

	memo, cacheErr := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     64 << 20, // 64MB
		BufferItems: 64,
		Metrics:     true,
	})
	if cacheErr != nil {
		asmLogger.Warn("Failed to create ristretto memo cache, assembly memoization disabled.", "error", cacheErr)
		memo = nil
	}

	return &ContextAssembler{
		analyzer: analyzer,
		memo:     memo,
		logger:   asmLogger,
		config:   cfg,
	}
}

// UpdateConfig updates the assembler's internal config reference (TTL, window size).
func (a *ContextAssembler) UpdateConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = cfg
}

func (a *ContextAssembler) getConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// MemoMetrics returns performance metrics for the memoization cache, or nil
// when memoization is disabled.
func (a *ContextAssembler) MemoMetrics() *ristretto.Metrics {
	if a.memo == nil {
		return nil
	}
	return a.memo.Metrics
}

// Close releases the memo cache.
func (a *ContextAssembler) Close() error {
	if a.memo != nil {
		a.memo.Close()
		a.memo = nil
	}
	return nil
}

// Assemble builds the snapshot for one request. It never returns an error:
// analyzer failures and out-of-bounds cursors degrade to an empty-but-valid
// context so a completion can still be attempted.
func (a *ContextAssembler) Assemble(ctx context.Context, ec EditorContext) *AssembledContext {
	cfg := a.getConfig()
	asmLogger := a.logger.With("doc", ec.DocumentID, "cursor", ec.Cursor.String())

	ac := &AssembledContext{
		DocumentID: ec.DocumentID,
		Language:   ec.Language,
		Kind:       ContextCode,
	}

	if err := validateCursor(ec.FullText, ec.Cursor); err != nil {
		asmLogger.Warn("Cursor outside document bounds, returning degraded context", "error", err)
		ac.Degraded = true
		return ac
	}

	ac.LinePrefix = LinePrefix(ec.FullText, ec.Cursor)
	ac.LineSuffix = LineSuffix(ec.FullText, ec.Cursor)
	ac.Window = windowAround(ec.FullText, ec.Cursor, cfg.ContextWindowLines/2)
	ac.SymbolAtCursor = symbolBeforeCursor(ac.LinePrefix)
	ac.Kind = classifyLanguageContext(ec.FullText, ec.Cursor, ec.Language)

	summary := a.analyzeDocument(ctx, ec, cfg)
	if summary == nil {
		ac.Degraded = true
		return ac
	}
	ac.Imports = summary.Imports
	ac.Functions = summary.Functions
	ac.Classes = summary.Classes
	ac.Types = summary.Types
	return ac
}

// analyzeDocument runs the analyzer through the memo cache. Concurrent calls
// for the same document version collapse into one analyzer invocation.
func (a *ContextAssembler) analyzeDocument(ctx context.Context, ec EditorContext, cfg Config) *SymbolSummary {
	memoKey := "symbols:" + ec.DocumentID + ":" + digestString(ec.FullText)
	if a.memo != nil {
		if cached, found := a.memo.Get(memoKey); found {
			if summary, ok := cached.(*SymbolSummary); ok {
				a.logger.Debug("Analyzer memo hit", "key", memoKey)
				return summary
			}
		}
	}

	result, err, _ := a.group.Do(memoKey, func() (any, error) {
		return a.analyzer.Analyze(ctx, ec.FullText, ec.DocumentID)
	})
	if err != nil {
		a.logger.Warn("Analyzer collaborator failed, degrading to empty context", "doc", ec.DocumentID, "error", err)
		return nil
	}
	summary, ok := result.(*SymbolSummary)
	if !ok || summary == nil {
		return nil
	}

	if a.memo != nil {
		cost := int64(len(ec.FullText))
		if cost <= 0 {
			cost = 1
		}
		a.memo.SetWithTTL(memoKey, summary, cost, cfg.CacheTTL)
	}
	return summary
}

// InvalidateDocument drops memoized analysis for a document. The memo key
// embeds a content digest, so stale entries expire anyway; this just frees
// them eagerly on didClose.
func (a *ContextAssembler) InvalidateDocument(documentID string) {
	// Ristretto has no prefix deletion; entries self-expire via TTL.
	a.logger.Debug("Document invalidation requested; memo entries will expire by TTL", "doc", documentID)
}

// ============================================================================
// Language Context Classification
// ============================================================================

// lineCommentMarker returns the line comment marker for a language.
func lineCommentMarker(language string) string {
	switch strings.ToLower(language) {
	case "python", "ruby", "shell", "bash", "sh", "yaml", "toml", "perl", "r":
		return "#"
	case "lua", "sql", "haskell":
		return "--"
	default:
		return "//"
	}
}

// classifyLanguageContext determines whether the cursor sits inside a string,
// a comment, a doc comment, or plain code. Heuristic by design: the pipeline
// only uses it to pick a completion strategy.
func classifyLanguageContext(text string, cursor Position, language string) LanguageContextKind {
	prefix := LinePrefix(text, cursor)
	marker := lineCommentMarker(language)

	inString := false
	var quote byte
	commentAt := -1
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if inString {
			if c == '\\' {
				i++ // Skip escaped character.
				continue
			}
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = true
			quote = c
		default:
			if strings.HasPrefix(prefix[i:], marker) {
				commentAt = i
			}
		}
		if commentAt >= 0 {
			break
		}
	}
	if inString {
		return ContextString
	}
	if commentAt >= 0 {
		rest := prefix[commentAt:]
		if strings.HasPrefix(rest, "///") || strings.HasPrefix(rest, "//!") {
			return ContextDocComment
		}
		return ContextComment
	}

	// Block comments: count unmatched openers in the text before the cursor.
	before := textBeforeCursor(text, cursor)
	open := strings.LastIndex(before, "/*")
	if open >= 0 {
		closed := strings.LastIndex(before, "*/")
		if closed < open {
			if strings.HasPrefix(before[open:], "/**") {
				return ContextDocComment
			}
			return ContextComment
		}
	}
	// Python docstrings.
	if marker == "#" && strings.Count(before, `"""`)%2 == 1 {
		return ContextDocComment
	}
	return ContextCode
}

// textBeforeCursor returns all document text strictly before the cursor.
func textBeforeCursor(text string, cursor Position) string {
	lines := documentLines(text)
	if cursor.Line >= len(lines) {
		return text
	}
	var b strings.Builder
	for i := 0; i < cursor.Line; i++ {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	line := lines[cursor.Line]
	b.WriteString(line[:clampColumn(line, cursor.Column)])
	return b.String()
}

// ============================================================================
// Default Analyzer (heuristic line scanner)
// ============================================================================

var (
	importRe   = regexp.MustCompile(`^\s*(?:import\s+|from\s+\S+\s+import\s+|#include\s+|require\s*\(|use\s+)(.*)$`)
	functionRe = regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?(?:func|function|def|fn)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	classRe    = regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?(?:class|struct|interface|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	typeRe     = regexp.MustCompile(`^\s*(?:export\s+)?type\s+([A-Za-z_][A-Za-z0-9_]*)`)
	exportRe   = regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:const|let|var|function|class|type|interface)?\s*([A-Za-z_][A-Za-z0-9_]*)`)
	arrowFnRe  = regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_][A-Za-z0-9_]*)\s*=>`)
)

// HeuristicAnalyzer is the default ContextAnalyzer: a language-tolerant line
// scanner. Deliberately shallow; swap in a real AST backend through the
// ContextAnalyzer interface when one is available for the language.
type HeuristicAnalyzer struct {
	logger *slog.Logger
}

// NewHeuristicAnalyzer creates the default analyzer.
func NewHeuristicAnalyzer(logger *slog.Logger) *HeuristicAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeuristicAnalyzer{logger: logger.With("component", "HeuristicAnalyzer")}
}

// Analyze scans document text line by line for imports and declarations.
func (h *HeuristicAnalyzer) Analyze(ctx context.Context, documentText, path string) (*SymbolSummary, error) {
	summary := &SymbolSummary{}
	for _, line := range documentLines(documentText) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m := importRe.FindStringSubmatch(line); m != nil {
			summary.Imports = append(summary.Imports, strings.TrimSpace(m[1]))
			continue
		}
		if m := functionRe.FindStringSubmatch(line); m != nil {
			summary.Functions = append(summary.Functions, m[1])
		} else if m := arrowFnRe.FindStringSubmatch(line); m != nil {
			summary.Functions = append(summary.Functions, m[1])
		}
		if m := classRe.FindStringSubmatch(line); m != nil {
			summary.Classes = append(summary.Classes, m[1])
		}
		if m := typeRe.FindStringSubmatch(line); m != nil {
			summary.Types = append(summary.Types, m[1])
		}
		if m := exportRe.FindStringSubmatch(line); m != nil && m[1] != "" {
			summary.Exports = append(summary.Exports, m[1])
		}
	}
	return summary, nil
}
