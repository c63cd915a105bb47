// tabflow/config.go
// Configuration loading, merging, default write-back and hot reload.
package tabflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LoadConfig loads configuration from standard locations, merges with
// defaults, validates, and attempts to write a default config if needed.
func LoadConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	if primaryPath != "" {
		logger.Debug("Attempting to load config", "path", primaryPath)
		loaded, loadErr := LoadAndMergeConfig(primaryPath, &cfg)
		if loadErr != nil {
			if strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", primaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", primaryPath, "error", loadErr)
		} else if loaded {
			loadedFromFile = true
			logger.Info("Loaded config", "path", primaryPath)
		}
	}

	primaryNotFoundOrFailed := !loadedFromFile || configParseError != nil
	if primaryNotFoundOrFailed && secondaryPath != "" && secondaryPath != primaryPath {
		logger.Debug("Attempting to load config from secondary path", "path", secondaryPath)
		loaded, loadErr := LoadAndMergeConfig(secondaryPath, &cfg)
		if loadErr != nil {
			if configParseError == nil && strings.Contains(loadErr.Error(), "parsing config file JSON") {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", secondaryPath, loadErr))
			logger.Warn("Failed to load or merge config", "path", secondaryPath, "error", loadErr)
		} else if loaded && !loadedFromFile {
			loadedFromFile = true
			logger.Info("Loaded config", "path", secondaryPath)
		}
	}

	loadSucceeded := loadedFromFile && configParseError == nil
	if !loadSucceeded {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}

		if writePath != "" {
			if configParseError != nil {
				logger.Warn("Existing config file failed to parse. Attempting to write default.", "path", writePath, "error", configParseError)
			} else {
				logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			}
			if err := WriteDefaultConfig(writePath, getDefaultConfig()); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		} else {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			logger.Error("FATAL: Default config definition is invalid", "error", valErr)
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// GetConfigPaths returns the primary (user config dir) and secondary (home
// dotfile) config file locations.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var pathErrors []error

	userConfigDir, confErr := os.UserConfigDir()
	if confErr == nil {
		primary = filepath.Join(userConfigDir, configDirName, defaultConfigFileName)
	} else {
		pathErrors = append(pathErrors, fmt.Errorf("cannot determine user config directory: %w", confErr))
	}

	homeDir, homeErr := os.UserHomeDir()
	if homeErr == nil {
		secondary = filepath.Join(homeDir, "."+configDirName, defaultConfigFileName)
	} else {
		pathErrors = append(pathErrors, fmt.Errorf("cannot determine user home directory: %w", homeErr))
	}

	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: %w", ErrConfig, errors.Join(pathErrors...))
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig reads a config file and merges any set fields into cfg.
// Returns false with a nil error when the file does not exist.
func LoadAndMergeConfig(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading config file failed: %w", err)
	}

	var fileCfg FileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return true, fmt.Errorf("parsing config file JSON failed: %w", err)
	}

	mergeFileConfig(cfg, fileCfg)
	return true, nil
}

// mergeFileConfig overlays the non-nil fields of a FileConfig onto cfg.
func mergeFileConfig(cfg *Config, fileCfg FileConfig) int {
	merged := 0
	if fileCfg.Enabled != nil {
		cfg.Enabled = *fileCfg.Enabled
		merged++
	}
	if fileCfg.OracleURL != nil {
		cfg.OracleURL = *fileCfg.OracleURL
		merged++
	}
	if fileCfg.Model != nil {
		cfg.Model = *fileCfg.Model
		merged++
	}
	if fileCfg.MaxTokens != nil {
		cfg.MaxTokens = *fileCfg.MaxTokens
		merged++
	}
	if fileCfg.Stop != nil {
		cfg.Stop = *fileCfg.Stop
		merged++
	}
	if fileCfg.Temperature != nil {
		cfg.Temperature = *fileCfg.Temperature
		merged++
	}
	if fileCfg.LogLevel != nil {
		cfg.LogLevel = *fileCfg.LogLevel
		merged++
	}
	if fileCfg.DebounceMs != nil {
		cfg.DebounceMs = *fileCfg.DebounceMs
		merged++
	}
	if fileCfg.MaxSuggestions != nil {
		cfg.MaxSuggestions = *fileCfg.MaxSuggestions
		merged++
	}
	if fileCfg.CacheEnabled != nil {
		cfg.CacheEnabled = *fileCfg.CacheEnabled
		merged++
	}
	if fileCfg.CacheSize != nil {
		cfg.CacheSize = *fileCfg.CacheSize
		merged++
	}
	if fileCfg.CacheTTLSeconds != nil {
		cfg.CacheTTLSeconds = *fileCfg.CacheTTLSeconds
		merged++
	}
	if fileCfg.MaxPendingRequests != nil {
		cfg.MaxPendingRequests = *fileCfg.MaxPendingRequests
		merged++
	}
	if fileCfg.MinConfidence != nil {
		cfg.MinConfidence = *fileCfg.MinConfidence
		merged++
	}
	if fileCfg.HistorySize != nil {
		cfg.HistorySize = *fileCfg.HistorySize
		merged++
	}
	if fileCfg.PatternWindowMs != nil {
		cfg.PatternWindowMs = *fileCfg.PatternWindowMs
		merged++
	}
	if fileCfg.MaxPredictions != nil {
		cfg.MaxPredictions = *fileCfg.MaxPredictions
		merged++
	}
	if fileCfg.OracleTimeoutSeconds != nil {
		cfg.OracleTimeoutSeconds = *fileCfg.OracleTimeoutSeconds
		merged++
	}
	if fileCfg.ImmediateTriggers != nil {
		cfg.ImmediateTriggers = *fileCfg.ImmediateTriggers
		merged++
	}
	if fileCfg.ContextWindowLines != nil {
		cfg.ContextWindowLines = *fileCfg.ContextWindowLines
		merged++
	}
	return merged
}

// WriteDefaultConfig writes the default configuration as indented JSON,
// creating parent directories as needed.
func WriteDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory failed: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling default config failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing config file failed: %w", err)
	}
	return nil
}

// ============================================================================
// Config Hot Reload
// ============================================================================

// ConfigWatcher reloads the config file on change and applies it through a
// callback, so every recognized option is overridable at runtime without a
// restart.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	apply   func(Config) error
	logger  *slog.Logger
	done    chan struct{}
}

// WatchConfig starts watching the given config file. The apply callback
// receives each successfully loaded and validated config.
func WatchConfig(path string, apply func(Config) error, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: creating fsnotify watcher failed: %w", ErrConfig, err)
	}
	// Watch the directory rather than the file: editors replace config files
	// atomically, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: watching config directory failed: %w", ErrConfig, err)
	}

	cw := &ConfigWatcher{
		watcher: watcher,
		path:    path,
		apply:   apply,
		logger:  logger.With("component", "ConfigWatcher", "path", path),
		done:    make(chan struct{}),
	}
	go cw.run()
	cw.logger.Info("Config hot reload enabled")
	return cw, nil
}

func (cw *ConfigWatcher) run() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cw.logger.Debug("Config file changed, reloading", "op", event.Op.String())
			cfg := getDefaultConfig()
			loaded, loadErr := LoadAndMergeConfig(cw.path, &cfg)
			if loadErr != nil || !loaded {
				cw.logger.Warn("Config reload skipped", "loaded", loaded, "error", loadErr)
				continue
			}
			if err := cfg.Validate(cw.logger); err != nil {
				cw.logger.Warn("Reloaded config failed validation, keeping previous config", "error", err)
				continue
			}
			if err := cw.apply(cfg); err != nil {
				cw.logger.Error("Failed to apply reloaded config", "error", err)
			} else {
				cw.logger.Info("Applied reloaded config")
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
