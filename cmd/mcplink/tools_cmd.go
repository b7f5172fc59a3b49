package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mcplink/internal/bridge"
	"mcplink/internal/manager"
)

var toolsJSON bool

func toolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [server]",
		Short: "List the tools of one server, or of all enabled servers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTools,
	}
	cmd.Flags().BoolVar(&toolsJSON, "json", false, "Output as JSON")
	return cmd
}

func runTools(cmd *cobra.Command, args []string) error {
	mgr, _, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	defer mgr.StopAll(ctx)

	if len(args) == 1 {
		if err := startForCLI(ctx, mgr, args[0]); err != nil {
			return err
		}
	} else {
		mgr.StartEnabled(ctx)
	}

	tools := bridge.New(mgr).Tools()

	if toolsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}

	if len(tools) == 0 {
		fmt.Println("No tools available.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

// startForCLI starts one server for a one-shot command, turning an OAuth
// requirement into a hint to run 'mcplink auth'.
func startForCLI(ctx context.Context, mgr *manager.Manager, name string) error {
	err := mgr.StartServer(ctx, name)
	var required *manager.OAuthRequiredError
	if errors.As(err, &required) {
		return fmt.Errorf("server %q requires authentication, run 'mcplink auth %s' first", required.Server, required.Server)
	}
	return err
}
