package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mcplink/internal/bridge"
)

var callArgs string

func callCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <server:tool>",
		Short: "Invoke a tool on a server",
		Example: `  mcplink call github:search_issues --args '{"query": "is:open label:bug"}'
  mcplink call fs:read_file --args '{"path": "/etc/hosts"}'`,
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}
	cmd.Flags().StringVarP(&callArgs, "args", "a", "{}", "Tool arguments as a JSON object")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	server, _, err := bridge.Split(args[0])
	if err != nil {
		return err
	}
	if !json.Valid([]byte(callArgs)) {
		return fmt.Errorf("--args is not valid JSON")
	}

	mgr, _, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	defer mgr.StopAll(ctx)

	if err := startForCLI(ctx, mgr, server); err != nil {
		return err
	}

	result, err := bridge.New(mgr).Call(ctx, args[0], json.RawMessage(callArgs))
	if err != nil {
		return err
	}

	if result.IsError {
		fmt.Fprintln(os.Stderr, "Tool reported an error:")
	}
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			fmt.Println(content.Text)
		default:
			raw, _ := json.MarshalIndent(content, "", "  ")
			fmt.Println(string(raw))
		}
	}
	if result.IsError {
		os.Exit(1)
	}
	return nil
}
