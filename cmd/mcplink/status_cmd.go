package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mcplink/internal/manager"
)

var statusJSON bool

func statusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [server]",
		Short: "Show the configured servers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr, _, cleanup, err := buildManager()
	if err != nil {
		return err
	}
	defer cleanup()

	var statuses []manager.ServerStatus
	if len(args) == 1 {
		st, err := mgr.ServerStatusByName(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("%w: %s", err, args[0])
		}
		statuses = []manager.ServerStatus{*st}
	} else {
		statuses = mgr.Status(context.Background())
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("No servers configured. Add one with 'mcplink server add'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tENABLED\tTRANSPORT\tTARGET\tAUTH")
	for _, st := range statuses {
		target := st.URL
		if target == "" {
			target = st.Command
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			st.Name, st.State, st.Enabled, st.Transport, target, st.AuthState)
	}
	return w.Flush()
}
