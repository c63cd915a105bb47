// tabflow/tabflow_utils.go
package tabflow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a level string from config into a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level '%s' (expected debug, info, warn, or error)", levelStr)
	}
}

// LanguageFromPath guesses a language identifier from a file extension.
// Returns "" when the extension is unknown.
func LanguageFromPath(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	switch strings.ToLower(path[idx+1:]) {
	case "go":
		return "go"
	case "py":
		return "python"
	case "rb":
		return "ruby"
	case "js", "mjs", "cjs":
		return "javascript"
	case "ts", "mts", "cts":
		return "typescript"
	case "tsx", "jsx":
		return "typescriptreact"
	case "rs":
		return "rust"
	case "c", "h":
		return "c"
	case "cc", "cpp", "cxx", "hpp":
		return "cpp"
	case "java":
		return "java"
	case "lua":
		return "lua"
	case "sh", "bash":
		return "shell"
	case "sql":
		return "sql"
	case "yaml", "yml":
		return "yaml"
	case "json":
		return "json"
	default:
		return ""
	}
}

// ============================================================================
// Line & Position Helpers
// ============================================================================

// documentLines splits full document text into lines without dropping a
// trailing empty line (a cursor can legally sit on it).
func documentLines(text string) []string {
	return strings.Split(text, "\n")
}

// lineAt returns the text of the given zero-based line, or "" when the line
// is outside the document.
func lineAt(text string, line int) string {
	lines := documentLines(text)
	if line < 0 || line >= len(lines) {
		return ""
	}
	return lines[line]
}

// clampColumn bounds a column to the byte length of its line.
func clampColumn(line string, col int) int {
	if col < 0 {
		return 0
	}
	if col > len(line) {
		return len(line)
	}
	return col
}

// LinePrefix returns the text before the cursor on the cursor's line.
func LinePrefix(text string, cursor Position) string {
	line := lineAt(text, cursor.Line)
	return line[:clampColumn(line, cursor.Column)]
}

// LineSuffix returns the text after the cursor on the cursor's line.
func LineSuffix(text string, cursor Position) string {
	line := lineAt(text, cursor.Line)
	return line[clampColumn(line, cursor.Column):]
}

// validateCursor checks a cursor against document bounds.
func validateCursor(text string, cursor Position) error {
	if cursor.Line < 0 || cursor.Column < 0 {
		return fmt.Errorf("%w: negative line or column (%s)", ErrInvalidPosition, cursor)
	}
	lines := documentLines(text)
	if cursor.Line >= len(lines) {
		return fmt.Errorf("%w: line %d beyond document end (%d lines)", ErrInvalidPosition, cursor.Line, len(lines))
	}
	return nil
}

// symbolBeforeCursor extracts the identifier immediately preceding the cursor,
// if the prefix ends in one.
func symbolBeforeCursor(linePrefix string) string {
	end := len(linePrefix)
	start := end
	for start > 0 {
		c := linePrefix[start-1]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			start--
			continue
		}
		break
	}
	return linePrefix[start:end]
}

// windowAround returns up to `radius` lines either side of the cursor line.
func windowAround(text string, cursor Position, radius int) string {
	lines := documentLines(text)
	start := cursor.Line - radius
	if start < 0 {
		start = 0
	}
	end := cursor.Line + radius + 1
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

// ============================================================================
// Digest Helpers
// ============================================================================

// digestString returns a short hex digest of s. Cache keys and fingerprints
// are recomputed on every keystroke, so this uses xxhash rather than a
// cryptographic hash.
func digestString(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// digestParts digests several fields with a separator that cannot occur in
// document IDs or language names.
func digestParts(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0x1f})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
