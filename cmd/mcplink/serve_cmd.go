package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcplink/internal/bridge"
	"mcplink/internal/manager"
)

var serveListen string

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start all enabled servers and run the control endpoint",
		Long: `Starts every enabled server from the registry and serves a small HTTP
control surface: /status, /tools, /metrics and the OAuth redirect callback
at /oauth/callback.`,
		RunE: runServe,
	}
	cmd.Flags().StringVarP(&serveListen, "listen", "l", "127.0.0.1:8450", "Control endpoint listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	mgr, logger, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started, needAuth := mgr.StartEnabled(ctx)
	logger.Info("servers started", zap.Strings("servers", started))
	for _, name := range needAuth {
		authURL, err := mgr.StartOAuth(ctx, name, callbackURL())
		if err != nil {
			logger.Error("failed to begin OAuth flow",
				zap.String("server", name), zap.Error(err))
			continue
		}
		fmt.Printf("Server %q requires authentication. Open:\n  %s\n", name, authURL)
	}

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           controlMux(ctx, mgr, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control endpoint listening", zap.String("addr", serveListen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control endpoint failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	mgr.StopAll(shutdownCtx)
	return nil
}

func callbackURL() string {
	return "http://" + serveListen + "/oauth/callback"
}

func controlMux(ctx context.Context, mgr *manager.Manager, logger *zap.Logger) *http.ServeMux {
	br := bridge.New(mgr)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mgr.Status(r.Context()))
	})

	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, br.Tools())
	})

	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "authorization failed: "+errCode, http.StatusBadRequest)
			return
		}
		state, code := q.Get("state"), q.Get("code")
		if state == "" || code == "" {
			http.Error(w, "missing state or code", http.StatusBadRequest)
			return
		}

		server, err := mgr.CompleteOAuth(ctx, state, code)
		if err != nil {
			logger.Error("OAuth callback failed",
				zap.String("server", server), zap.Error(err))
			http.Error(w, "authentication failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		logger.Info("server authenticated", zap.String("server", server))
		fmt.Fprintf(w, "Server %q authenticated. You can close this tab.\n", server)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
