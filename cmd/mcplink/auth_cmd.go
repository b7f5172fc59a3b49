package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mcplink/internal/manager"
)

var authTimeout time.Duration

func authCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth <server>",
		Short: "Run the interactive OAuth flow for an HTTP server",
		Long: `Starts a loopback callback listener, prints the authorization URL to
open in a browser, and waits for the redirect to complete the flow.`,
		Args: cobra.ExactArgs(1),
		RunE: runAuth,
	}
	cmd.Flags().DurationVar(&authTimeout, "timeout", 5*time.Minute, "How long to wait for the browser redirect")
	return cmd
}

type callbackResult struct {
	state string
	code  string
	err   error
}

func runAuth(cmd *cobra.Command, args []string) error {
	name := args[0]

	mgr, _, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	defer mgr.StopAll(context.Background())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start callback listener: %w", err)
	}
	redirectURI := fmt.Sprintf("http://%s/callback", listener.Addr())

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackHandler(results),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.Serve(listener)
	defer srv.Close()

	authURL, err := mgr.StartOAuth(ctx, name, redirectURI)
	if err != nil {
		return err
	}
	fmt.Printf("Open this URL in your browser to authenticate %q:\n\n  %s\n\n", name, authURL)
	fmt.Println("Waiting for the redirect...")

	select {
	case res := <-results:
		if res.err != nil {
			return res.err
		}
		server, err := mgr.CompleteOAuth(ctx, res.state, res.code)
		if err != nil {
			var required *manager.OAuthRequiredError
			if errors.As(err, &required) {
				return fmt.Errorf("server %q still requires authentication", server)
			}
			return err
		}
		fmt.Printf("Server %q authenticated and started.\n", server)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for the browser redirect")
	}
}

func callbackHandler(results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			desc := q.Get("error_description")
			http.Error(w, "authorization failed", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("authorization failed: %s %s", errCode, desc)}
			return
		}
		state, code := q.Get("state"), q.Get("code")
		if state == "" || code == "" {
			http.Error(w, "missing state or code", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this tab.")
		results <- callbackResult{state: state, code: code}
	})
	return mux
}
