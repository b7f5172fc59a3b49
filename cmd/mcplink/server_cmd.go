package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mcplink/internal/config"
)

var (
	addTransport string
	addCommand   string
	addArgs      []string
	addEnv       []string
	addURL       string
	addDisabled  bool

	addOAuthClientID string
	addOAuthAuthURL  string
	addOAuthTokenURL string
	addOAuthScopes   []string
)

func serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the server registry",
	}
	cmd.AddCommand(
		serverAddCommand(),
		serverRemoveCommand(),
		serverEnableCommand(),
		serverDisableCommand(),
	)
	return cmd
}

func serverAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a server to the registry",
		Example: `  mcplink server add fs --command npx --arg -y --arg @modelcontextprotocol/server-filesystem --arg /tmp
  mcplink server add github --transport http --url https://api.github.example/mcp`,
		Args: cobra.ExactArgs(1),
		RunE: runServerAdd,
	}
	cmd.Flags().StringVarP(&addTransport, "transport", "t", "stdio", "Transport type (stdio or http)")
	cmd.Flags().StringVarP(&addCommand, "command", "c", "", "Command to spawn (stdio)")
	cmd.Flags().StringArrayVar(&addArgs, "arg", nil, "Command argument, repeatable (stdio)")
	cmd.Flags().StringArrayVarP(&addEnv, "env", "e", nil, "KEY=VALUE environment entry, repeatable (stdio)")
	cmd.Flags().StringVarP(&addURL, "url", "u", "", "Server endpoint URL (http)")
	cmd.Flags().BoolVar(&addDisabled, "disabled", false, "Register without starting")
	cmd.Flags().StringVar(&addOAuthClientID, "oauth-client-id", "", "Pre-registered OAuth client id (http)")
	cmd.Flags().StringVar(&addOAuthAuthURL, "oauth-auth-url", "", "OAuth authorization endpoint (http)")
	cmd.Flags().StringVar(&addOAuthTokenURL, "oauth-token-url", "", "OAuth token endpoint (http)")
	cmd.Flags().StringArrayVar(&addOAuthScopes, "oauth-scope", nil, "OAuth scope, repeatable (http)")
	return cmd
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := buildServerConfig()
	if err != nil {
		return err
	}

	mgr, _, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	defer mgr.StopAll(ctx)

	if err := mgr.AddServer(ctx, name, cfg); err != nil {
		if cfg.IsEnabled() {
			// The entry is saved even when the first start fails.
			return fmt.Errorf("server %q added but failed to start: %w", name, err)
		}
		return err
	}
	fmt.Printf("Server %q added.\n", name)
	return nil
}

func buildServerConfig() (*config.ServerConfig, error) {
	cfg := &config.ServerConfig{
		Transport: config.TransportType(addTransport),
		Command:   addCommand,
		Args:      addArgs,
		URL:       addURL,
	}
	if addDisabled {
		cfg.SetEnabled(false)
	}

	switch cfg.Kind() {
	case config.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio servers need --command")
		}
	case config.TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http servers need --url")
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", addTransport)
	}

	if len(addEnv) > 0 {
		cfg.Env = make(map[string]string, len(addEnv))
		for _, kv := range addEnv {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
			}
			cfg.Env[k] = v
		}
	}

	if addOAuthClientID != "" || addOAuthAuthURL != "" || addOAuthTokenURL != "" {
		if addOAuthClientID == "" || addOAuthAuthURL == "" || addOAuthTokenURL == "" {
			return nil, fmt.Errorf("an OAuth override needs --oauth-client-id, --oauth-auth-url and --oauth-token-url together")
		}
		cfg.OAuth = &config.OAuthOverride{
			ClientID: addOAuthClientID,
			AuthURL:  addOAuthAuthURL,
			TokenURL: addOAuthTokenURL,
			Scopes:   addOAuthScopes,
		}
	}
	return cfg, nil
}

func serverRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a server and its stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()
			removed, err := mgr.RemoveServer(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Printf("Server %q was not registered.\n", args[0])
				return nil
			}
			fmt.Printf("Server %q removed.\n", args[0])
			return nil
		},
	}
}

func serverEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := context.Background()
			defer mgr.StopAll(ctx)
			if err := mgr.EnableServer(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Server %q enabled.\n", args[0])
			return nil
		},
	}
}

func serverDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := buildManager()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := mgr.DisableServer(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Server %q disabled.\n", args[0])
			return nil
		},
	}
}
