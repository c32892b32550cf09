package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/compass/internal/api"
	"github.com/kalambet/compass/internal/auth"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/interaction"
)

const accountMCPToken = "mcp_token"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve Daily Compass tools over MCP (stdio, or HTTP with --http)",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("http")
		return withApp(func(a *app) error {
			return runMCP(cmd.Context(), a, addr)
		})
	},
}

func init() {
	mcpCmd.Flags().String("http", "", "listen address for streamable HTTP (e.g. 127.0.0.1:7373)")
}

func runMCP(ctx context.Context, a *app, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Prompts:    a.store,
		Catalog:    a.svc,
		NewSession: func(promptID int64) *interaction.Session { return a.session(promptID) },
		Outbox:     a.queue,
	}, version)

	// Replay queued completions while serving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.worker.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if addr == "" {
		a.logger.Info("MCP server started (stdio transport)")
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	}

	token, err := mcpToken(a.secrets)
	if err != nil {
		return fmt.Errorf("getting MCP token: %w", err)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHTTPHandler(mcpSrv, token, a.logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "compass MCP listening on http://%s/mcp\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("MCP server shutdown", zap.Error(err))
		return err
	}
	return nil
}

// mcpToken returns the bearer token for the HTTP transport, creating one on first use.
func mcpToken(secrets auth.SecretStore) (string, error) {
	if tok, err := secrets.Get(config.SecretService, accountMCPToken); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := secrets.Set(config.SecretService, accountMCPToken, tok); err != nil {
		return "", err
	}
	printStatus(os.Stderr, "MCP token", "%s", tok)
	return tok, nil
}
