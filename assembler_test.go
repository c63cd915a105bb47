// tabflow/assembler_test.go
package tabflow

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

type countingAnalyzer struct {
	calls   atomic.Int64
	summary *SymbolSummary
	err     error
}

func (c *countingAnalyzer) Analyze(ctx context.Context, documentText, path string) (*SymbolSummary, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.summary, nil
}

func newTestAssembler(t *testing.T, analyzer ContextAnalyzer) *ContextAssembler {
	t.Helper()
	cfg := getDefaultConfig()
	cfg.deriveDurations()
	a := NewContextAssembler(analyzer, cfg, newTestLogger())
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAssembleHappyPath(t *testing.T) {
	analyzer := &countingAnalyzer{summary: &SymbolSummary{
		Imports:   []string{`"fmt"`},
		Functions: []string{"Greet"},
		Types:     []string{"Greeter"},
	}}
	a := newTestAssembler(t, analyzer)

	ec := EditorContext{
		DocumentID: "main.go",
		Language:   "go",
		FullText:   "package main\n\nfunc main() {\n\tfmt.Println\n}\n",
		Cursor:     Position{Line: 3, Column: 12},
	}
	ac := a.Assemble(context.Background(), ec)

	if ac.Degraded {
		t.Fatal("valid input produced a degraded context")
	}
	if ac.LinePrefix != "\tfmt.Println" {
		t.Errorf("LinePrefix = %q", ac.LinePrefix)
	}
	if ac.LineSuffix != "" {
		t.Errorf("LineSuffix = %q, want empty", ac.LineSuffix)
	}
	if ac.SymbolAtCursor != "Println" {
		t.Errorf("SymbolAtCursor = %q, want Println", ac.SymbolAtCursor)
	}
	if !strings.Contains(ac.Window, "func main() {") {
		t.Errorf("Window missing surrounding lines: %q", ac.Window)
	}
	if len(ac.Functions) != 1 || ac.Functions[0] != "Greet" {
		t.Errorf("Functions = %v, want [Greet]", ac.Functions)
	}
	if ac.Kind != ContextCode {
		t.Errorf("Kind = %v, want code", ac.Kind)
	}
}

func TestAssembleDegradedOnInvalidCursor(t *testing.T) {
	analyzer := &countingAnalyzer{summary: &SymbolSummary{}}
	a := newTestAssembler(t, analyzer)

	tests := []struct {
		name   string
		cursor Position
	}{
		{"negative line", Position{Line: -1, Column: 0}},
		{"negative column", Position{Line: 0, Column: -2}},
		{"line beyond end", Position{Line: 99, Column: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := a.Assemble(context.Background(), EditorContext{
				DocumentID: "doc1",
				FullText:   "one line",
				Cursor:     tt.cursor,
			})
			if !ac.Degraded {
				t.Error("out-of-bounds cursor did not degrade the context")
			}
			if ac.DocumentID != "doc1" {
				t.Errorf("degraded context lost identity: %q", ac.DocumentID)
			}
		})
	}
}

func TestAssembleDegradedOnAnalyzerFailure(t *testing.T) {
	analyzer := &countingAnalyzer{err: errors.New("parser crashed")}
	a := newTestAssembler(t, analyzer)

	ec := EditorContext{
		DocumentID: "doc1",
		FullText:   "const x = 1",
		Cursor:     Position{Line: 0, Column: 11},
	}
	ac := a.Assemble(context.Background(), ec)
	if !ac.Degraded {
		t.Fatal("analyzer failure did not degrade the context")
	}
	// Positional fields survive degradation; only symbols are missing.
	if ac.LinePrefix != "const x = 1" {
		t.Errorf("LinePrefix = %q", ac.LinePrefix)
	}
	if len(ac.Functions) != 0 {
		t.Errorf("degraded context carries analyzer output: %v", ac.Functions)
	}
}

func TestAssembleMemoizesAnalysis(t *testing.T) {
	analyzer := &countingAnalyzer{summary: &SymbolSummary{Functions: []string{"f"}}}
	a := newTestAssembler(t, analyzer)
	if a.memo == nil {
		t.Skip("memo cache unavailable")
	}

	ec := EditorContext{
		DocumentID: "doc1",
		FullText:   "func f() {}",
		Cursor:     Position{Line: 0, Column: 0},
	}
	a.Assemble(context.Background(), ec)
	a.memo.Wait()
	a.Assemble(context.Background(), ec)

	if got := analyzer.calls.Load(); got != 1 {
		t.Errorf("analyzer invoked %d times for identical content, want 1", got)
	}

	// Changed content is a different memo key.
	ec.FullText = "func g() {}"
	a.Assemble(context.Background(), ec)
	if got := analyzer.calls.Load(); got != 2 {
		t.Errorf("analyzer invoked %d times after content change, want 2", got)
	}
}

func TestClassifyLanguageContext(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		cursor   Position
		language string
		want     LanguageContextKind
	}{
		{"plain code", `x := compute()`, Position{0, 14}, "go", ContextCode},
		{"inside string", `msg := "hello wor`, Position{0, 17}, "go", ContextString},
		{"closed string", `msg := "hello"`, Position{0, 14}, "go", ContextCode},
		{"escaped quote stays in string", `s := "a\"b`, Position{0, 10}, "go", ContextString},
		{"line comment", `x := 1 // tot`, Position{0, 13}, "go", ContextComment},
		{"triple slash doc", `/// Greet says hel`, Position{0, 18}, "rust", ContextDocComment},
		{"bang doc", `//! Module-level do`, Position{0, 19}, "rust", ContextDocComment},
		{"hash comment", `# writes the fi`, Position{0, 15}, "python", ContextComment},
		{"dash comment", `-- select all use`, Position{0, 17}, "sql", ContextComment},
		{"block comment", "/* explains\nthe thing", Position{1, 9}, "go", ContextComment},
		{"doc block comment", "/** Returns the\nresult", Position{1, 6}, "java", ContextDocComment},
		{"closed block comment", "/* done */\nx := 1", Position{1, 6}, "go", ContextCode},
		{"python docstring", "\"\"\"\nDocument this fun", Position{1, 17}, "python", ContextDocComment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLanguageContext(tt.text, tt.cursor, tt.language)
			if got != tt.want {
				t.Errorf("classifyLanguageContext(%q, %s, %s) = %v, want %v",
					tt.text, tt.cursor, tt.language, got, tt.want)
			}
		})
	}
}

func TestHeuristicAnalyzerExtraction(t *testing.T) {
	source := strings.Join([]string{
		`import "fmt"`,
		`from os import path`,
		``,
		`func Serve() {`,
		`def handle(req):`,
		`const add = (a, b) => a + b`,
		`class Router {`,
		`struct Header {`,
		`type Config struct {`,
		`export const version = "1.0"`,
	}, "\n")

	analyzer := NewHeuristicAnalyzer(newTestLogger())
	summary, err := analyzer.Analyze(context.Background(), source, "mixed.src")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	wantFuncs := []string{"Serve", "handle", "add"}
	if len(summary.Functions) != len(wantFuncs) {
		t.Fatalf("Functions = %v, want %v", summary.Functions, wantFuncs)
	}
	for i, name := range wantFuncs {
		if summary.Functions[i] != name {
			t.Errorf("Functions[%d] = %q, want %q", i, summary.Functions[i], name)
		}
	}
	if len(summary.Imports) != 2 {
		t.Errorf("Imports = %v, want 2 entries", summary.Imports)
	}
	wantClasses := []string{"Router", "Header"}
	for i, name := range wantClasses {
		if i >= len(summary.Classes) || summary.Classes[i] != name {
			t.Fatalf("Classes = %v, want %v", summary.Classes, wantClasses)
		}
	}
	if len(summary.Types) != 1 || summary.Types[0] != "Config" {
		t.Errorf("Types = %v, want [Config]", summary.Types)
	}
	if len(summary.Exports) != 1 || summary.Exports[0] != "version" {
		t.Errorf("Exports = %v, want [version]", summary.Exports)
	}
}

func TestHeuristicAnalyzerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	analyzer := NewHeuristicAnalyzer(newTestLogger())
	if _, err := analyzer.Analyze(ctx, "func f() {}", "f.go"); err == nil {
		t.Error("cancelled context did not abort analysis")
	}
}

func TestSymbolBeforeCursor(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"fmt.Println", "Println"},
		{"x := value", "value"},
		{"foo(", ""},
		{"", ""},
		{"snake_case_2", "snake_case_2"},
	}
	for _, tt := range tests {
		if got := symbolBeforeCursor(tt.prefix); got != tt.want {
			t.Errorf("symbolBeforeCursor(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestWindowAround(t *testing.T) {
	text := "l0\nl1\nl2\nl3\nl4\nl5\nl6"

	got := windowAround(text, Position{Line: 3}, 1)
	if got != "l2\nl3\nl4" {
		t.Errorf("windowAround radius 1 = %q", got)
	}
	got = windowAround(text, Position{Line: 0}, 2)
	if got != "l0\nl1\nl2" {
		t.Errorf("windowAround at top = %q", got)
	}
	got = windowAround(text, Position{Line: 6}, 2)
	if got != "l4\nl5\nl6" {
		t.Errorf("windowAround at bottom = %q", got)
	}
}
