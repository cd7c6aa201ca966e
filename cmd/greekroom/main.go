// Command greekroom answers questions about text by letting a language model
// call the Greek Room analysis tools over MCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"greekroom/internal/config"
	"greekroom/internal/gateway"
	"greekroom/internal/logging"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// reportedError has already been shown to the user.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var shown reportedError
		if !errors.As(err, &shown) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "greekroom",
		Short:         "Chat with the Greek Room text analysis tools",
		Version:       gateway.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultPath+" when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")

	root.AddCommand(
		newToolsCmd(opts),
		newAskCmd(opts),
		newChatCmd(opts),
		newServeCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// resolveConfigPath returns the --config value, or the default file when it
// exists.
func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, strings.TrimPrefix(config.DefaultPath, "~/"))
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (o *rootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.resolveConfigPath())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		if cfg.LogLevel, err = config.ParseLogLevel(o.logLevel); err != nil {
			return config.Config{}, nil, err
		}
	}
	if o.logFormat != "" {
		cfg.LogFormat = config.LogFormat(strings.ToLower(o.logFormat))
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel, string(cfg.LogFormat)), nil
}

// openGateway loads configuration and builds the orchestrator.
func (o *rootOptions) openGateway(ctx context.Context) (*gateway.Gateway, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, err
	}
	return gateway.New(ctx, cfg, logger)
}

// report shows a failed turn the way every surface does and keeps the exit
// status non-zero.
func report(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(gateway.RenderError(err)))
	return reportedError{err}
}
