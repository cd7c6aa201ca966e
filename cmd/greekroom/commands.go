package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"greekroom/internal/auth"
	"greekroom/internal/communicators"
	_ "greekroom/internal/communicators/telegram"
	_ "greekroom/internal/communicators/whatsapp"
	"greekroom/internal/config"
	"greekroom/internal/gateway"
	"greekroom/internal/httpapi"
	"greekroom/internal/logging"
	"greekroom/internal/onboarding"
	"greekroom/internal/tui"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newToolsCmd(root *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered by the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := root.openGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			descs, err := gw.Tools(cmd.Context(), token)
			if err != nil {
				return report(cmd, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d tools at %s\n\n", len(descs), gw.Config().MCPURL)
			for _, d := range descs {
				fmt.Fprintln(out, nameStyle.Render(d.Name))
				if d.Description != "" {
					fmt.Fprintln(out, "  "+mutedStyle.Render(strings.ReplaceAll(strings.TrimSpace(d.Description), "\n", "\n  ")))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the tool service (default MCP_AUTH_TOKEN)")
	return cmd
}

func newAskCmd(root *rootOptions) *cobra.Command {
	var (
		token    string
		identity string
		maxTurns int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := root.openGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer gw.Close()

			res, err := gw.Ask(cmd.Context(), identity, strings.Join(args, " "), gateway.AskOptions{
				Token:    token,
				Channel:  "cli",
				MaxTurns: maxTurns,
			})
			if err != nil {
				return report(cmd, err)
			}
			if summary := gateway.ToolSummary(res.ToolResults); summary != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render(summary))
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Reply)
			if res.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render(gateway.TruncatedNote))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the tool service (default MCP_AUTH_TOKEN)")
	cmd.Flags().StringVar(&identity, "session", "cli:local", "conversation identity")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "completion rounds for this turn (default MAX_TURNS)")
	return cmd
}

func newChatCmd(root *rootOptions) *cobra.Command {
	var (
		token    string
		identity string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			// Log lines tear the full-screen view; keep warnings and errors.
			logger := logging.New(os.Stderr, max(cfg.LogLevel, slog.LevelWarn), string(cfg.LogFormat))
			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer gw.Close()
			header := fmt.Sprintf("%s · %s · %s", cfg.Provider, cfg.Model, cfg.MCPURL)
			return tui.Run(cmd.Context(), gw, identity, token, header)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the tool service (default MCP_AUTH_TOKEN)")
	cmd.Flags().StringVar(&identity, "session", "cli:local", "conversation identity")
	return cmd
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr     string
		noAPI    bool
		disabled []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the messaging bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := root.openGateway(ctx)
			if err != nil {
				return err
			}
			defer gw.Close()
			cfg, logger := gw.Config(), gw.Logger()
			if addr == "" {
				addr = cfg.HTTPAddr
			}

			skip := make(map[string]bool, len(disabled))
			for _, id := range disabled {
				skip[strings.TrimSpace(id)] = true
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				gw.Run(ctx)
				return nil
			})
			if !noAPI {
				g.Go(func() error {
					return httpapi.NewServer(gw, logger.With("component", "httpapi")).Start(ctx, addr, cfg.ShutdownTimeout)
				})
			}
			for _, c := range communicators.All() {
				if skip[c.ID()] {
					logger.Info("communicator skipped", "id", c.ID())
					continue
				}
				g.Go(func() error {
					if err := c.Start(ctx, gw); err != nil {
						return fmt.Errorf("%s: %w", c.ID(), err)
					}
					return nil
				})
			}

			logger.Info("greekroom serving", "version", gateway.Version, "provider", cfg.Provider, "model", cfg.Model, "mcp_url", cfg.MCPURL)
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logger.Info("greekroom stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP API listen address (default HTTP_ADDR)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	cmd.Flags().StringSliceVar(&disabled, "disable", nil, "communicator IDs to leave off (whatsapp, telegram)")
	return cmd
}

func newInitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a config file with an interactive wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if path == "" {
				path = config.DefaultPath
			}
			return onboarding.Run(path)
		},
	}
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint or inspect tool service access tokens",
	}

	var (
		clientID   string
		subject    string
		expireDays int
		scopes     []string
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a new token with JWT_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTIssuer, cfg.JWTAudience)
			token, claims, err := issuer.Mint(auth.MintOptions{
				ClientID: clientID,
				Subject:  subject,
				TTL:      time.Duration(expireDays) * 24 * time.Hour,
				Scopes:   scopes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render(describeClaims(claims)))
			return nil
		},
	}
	mint.Flags().StringVar(&clientID, "client-id", auth.DefaultClientID, "client_id claim")
	mint.Flags().StringVar(&subject, "subject", "", "sub claim (default the client ID)")
	mint.Flags().IntVar(&expireDays, "expires-days", 365, "days until the token expires")
	mint.Flags().StringSliceVar(&scopes, "scopes", nil, "comma separated scopes")

	var verify bool
	inspect := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Show the claims of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := auth.Inspect(args[0])
			if err != nil {
				return fmt.Errorf("decode token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeClaims(claims))
			if claims.Expired(time.Now()) {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("expired"))
			}
			if !verify {
				return nil
			}
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTIssuer, cfg.JWTAudience)
			if _, err := issuer.Verify(args[0]); err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), nameStyle.Render("signature valid"))
			return nil
		},
	}
	inspect.Flags().BoolVar(&verify, "verify", false, "also check the signature against JWT_SECRET_KEY")

	cmd.AddCommand(mint, inspect)
	return cmd
}

func describeClaims(c *auth.Claims) string {
	var b strings.Builder
	fmt.Fprintf(&b, "client_id: %s\n", c.ClientID)
	fmt.Fprintf(&b, "subject:   %s\n", c.Subject)
	fmt.Fprintf(&b, "issuer:    %s\n", c.Issuer)
	fmt.Fprintf(&b, "audience:  %s\n", strings.Join(c.Audience, ","))
	if len(c.Scopes) > 0 {
		fmt.Fprintf(&b, "scopes:    %s\n", strings.Join(c.Scopes, ","))
	}
	if c.IssuedAt != nil {
		fmt.Fprintf(&b, "issued:    %s\n", c.IssuedAt.UTC().Format(time.RFC3339))
	}
	if c.ExpiresAt != nil {
		fmt.Fprintf(&b, "expires:   %s\n", c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}
