package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloudship/internal/config"
	"cloudship/internal/security"
	"cloudship/internal/store"
	"cloudship/pkg/fileutil"

	"github.com/mattn/go-isatty"
	"google.golang.org/api/option"
)

// loadConfig reads the --config file, or the first file found in the default
// locations, and validates it.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.Find()
		if path == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, p := range fileutil.DefaultConfigPaths(config.FileName) {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return nil, fmt.Errorf("configuration file not found")
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		fmt.Fprintf(os.Stderr, "Configuration errors in %s:\n%s\n", path, strings.Join(problems, "\n"))
		return nil, fmt.Errorf("configuration is invalid (%d problems)", len(problems))
	}
	return cfg, nil
}

// setupLogging configures slog for console and optional file logging.
// Returns both the logger and the file handle (caller must close it).
// A terminal gets human-readable text; everything else gets JSON.
func setupLogging(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.File == "" {
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			return slog.New(slog.NewTextHandler(os.Stdout, opts)), noClose{}, nil
		}
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), noClose{}, nil
	}

	if err := ensureDir(filepath.Dir(cfg.File)); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := security.OpenAppendFile(cfg.File, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	return slog.New(handler), file, nil
}

// openStore opens the configured database. A SQLite file is created inside a
// private directory and pinned to owner/group access.
func openStore(cfg config.DatabaseConfig) (*store.Store, error) {
	sqliteFile := cfg.Driver == store.DriverSQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:")

	if sqliteFile {
		if err := ensureDir(filepath.Dir(cfg.DSN)); err != nil {
			return nil, err
		}
	}

	st, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if sqliteFile {
		if err := os.Chmod(cfg.DSN, security.PermDBFile); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to set database permissions: %w", err)
		}
	}
	return st, nil
}

// googleOptions builds the client options shared by every Google API client.
func googleOptions(cfg config.GCPConfig, logger *slog.Logger) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if err := security.ValidateSecurePermissions(cfg.CredentialsFile); err != nil {
			logger.Warn("Credentials file is accessible to other users", "error", err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

// ensureDir creates a missing directory with private permissions. Existing
// directories are left untouched.
func ensureDir(dir string) error {
	if fileutil.DirExists(dir) {
		return nil
	}
	return security.CreateSecureDir(dir, security.PermDirectory)
}

type noClose struct{}

func (noClose) Close() error { return nil }
