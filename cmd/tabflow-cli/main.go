package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tabflow"
)

// Set at build time
var version = "dev"

func main() {
	filePath := flag.String("file", "", "Path to the source file (required unless -stdin is used)")
	line := flag.Int("line", 0, "Line number (1-based, required unless -stdin is used)")
	col := flag.Int("col", 0, "Column number (1-based, required unless -stdin is used)")
	stdin := flag.Bool("stdin", false, "Read a code snippet from stdin and complete at its end")
	listMode := flag.Bool("list", false, "Print ranked completion candidates instead of a single inline completion")
	language := flag.String("language", "", "Language identifier - overrides extension detection")
	logLevelFlag := flag.String("log-level", "", "Log level (debug, info, warn, error) - overrides config")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	completer, initErr := tabflow.NewCompleter(tempLogger)
	if initErr != nil && !errors.Is(initErr, tabflow.ErrConfig) {
		tempLogger.Error("Fatal error initializing Completer service", "error", initErr)
		os.Exit(1)
	}
	if completer == nil {
		tempLogger.Error("Completer initialization returned nil unexpectedly")
		os.Exit(1)
	}
	defer func() {
		slog.Info("Closing Completer service...")
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
	}()

	initialConfig := completer.GetCurrentConfig()
	chosenLogLevelStr := initialConfig.LogLevel
	if *logLevelFlag != "" {
		chosenLogLevelStr = *logLevelFlag
		tempLogger.Debug("Log level overridden by command-line flag", "flag_level", chosenLogLevelStr)
	}

	logLevel, parseLevelErr := tabflow.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}

	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: false} // Keep CLI logs concise
	finalLogger := slog.New(slog.NewTextHandler(os.Stderr, &handlerOpts))
	slog.SetDefault(finalLogger)

	slog.Info("tabflow service initialized.", "effective_log_level", logLevel.String())
	if initErr != nil && errors.Is(initErr, tabflow.ErrConfig) {
		slog.Warn("Completer initialized with configuration warnings", "error", initErr)
	}

	var ec tabflow.EditorContext
	if *stdin {
		if *filePath != "" || *line != 0 || *col != 0 {
			slog.Error("Cannot use -file, -line, or -col flags when -stdin is specified.")
			flag.Usage()
			os.Exit(1)
		}
		slog.Info("Reading code snippet from stdin...")
		snippetBytes, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			slog.Error("Failed to read from stdin", "error", readErr)
			os.Exit(1)
		}
		snippet := string(snippetBytes)
		slog.Debug("Read snippet", "length", len(snippet))
		ec = contextAtEnd("stdin", snippet, *language)
	} else {
		if *filePath == "" {
			slog.Error("Missing required flag: -file")
			flag.Usage()
			os.Exit(1)
		}
		if *line <= 0 {
			slog.Error("Invalid value for -line: must be positive", "value", *line)
			flag.Usage()
			os.Exit(1)
		}
		if *col <= 0 {
			slog.Error("Invalid value for -col: must be positive", "value", *col)
			flag.Usage()
			os.Exit(1)
		}
		absPath, pathErr := filepath.Abs(*filePath)
		if pathErr != nil {
			slog.Error("Invalid file path provided via -file flag", "path", *filePath, "error", pathErr)
			os.Exit(1)
		}
		contentBytes, readErr := os.ReadFile(absPath)
		if readErr != nil {
			slog.Error("Cannot read file provided via -file flag", "path", absPath, "error", readErr)
			os.Exit(1)
		}

		lang := *language
		if lang == "" {
			lang = tabflow.LanguageFromPath(absPath)
		}
		ec = tabflow.EditorContext{
			DocumentID: absPath,
			FullText:   string(contentBytes),
			Language:   lang,
			Cursor:     tabflow.Position{Line: *line - 1, Column: *col - 1},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *listMode {
		completions, err := completer.RequestCompletions(ctx, ec)
		if err != nil {
			reportError(err, ec)
			os.Exit(1)
		}
		if len(completions) == 0 {
			slog.Info("No completion candidates produced.")
			return
		}
		for i, c := range completions {
			fmt.Printf("%d. [%.2f] %s\n", i+1, c.Score, c.Text)
		}
	} else {
		suggestion, err := completer.GetInline(ctx, ec)
		if err != nil {
			reportError(err, ec)
			os.Exit(1)
		}
		if suggestion == nil {
			slog.Info("No completion produced for this position.")
			return
		}
		fmt.Println(suggestion.Text)
	}

	slog.Info("CLI command finished successfully.")
}

// contextAtEnd places the cursor at the very end of a snippet.
func contextAtEnd(id, snippet, language string) tabflow.EditorContext {
	lines := strings.Split(snippet, "\n")
	lastLine := len(lines) - 1
	return tabflow.EditorContext{
		DocumentID: id,
		FullText:   snippet,
		Language:   language,
		Cursor:     tabflow.Position{Line: lastLine, Column: len(lines[lastLine])},
	}
}

func reportError(err error, ec tabflow.EditorContext) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("Completion request timed out", "doc", ec.DocumentID, "cursor", ec.Cursor)
	case errors.Is(err, context.Canceled):
		slog.Warn("Completion request cancelled", "doc", ec.DocumentID, "cursor", ec.Cursor)
	case errors.Is(err, tabflow.ErrOracleUnavailable):
		slog.Error("Completion backend unavailable", "error", err)
	case errors.Is(err, tabflow.ErrDisabled):
		slog.Error("Completion pipeline is disabled in configuration")
	default:
		slog.Error("Failed to get completion", "error", err, "doc", ec.DocumentID, "cursor", ec.Cursor)
	}
	fmt.Fprintln(os.Stderr)
}
