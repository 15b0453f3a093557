package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"cloudship/internal/deployment"
	"cloudship/internal/store"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status DEPLOYMENT_ID",
	Short: "Show a deployment and its transitions",
	Long: `Show the current state of a deployment and every recorded transition,
read directly from the configured database.

Example:
  cloudship status 3f2c9a1e-7b4d-4c8e-9f10-2a6b5c4d3e21`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a table")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	d, err := st.Get(ctx, args[0])
	if err != nil {
		return err
	}
	transitions, err := st.Transitions(ctx, d.ID)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"deployment": d, "transitions": transitions})
	}
	return printStatus(cmd.OutOrStdout(), d, transitions)
}

func printStatus(out io.Writer, d *deployment.Deployment, transitions []store.Transition) error {
	fmt.Fprintf(out, "Deployment %s (%s)\n", d.ID, d.Name)
	fmt.Fprintf(out, "  Status:    %s (cycle %d)\n", d.Status, d.Cycle)
	fmt.Fprintf(out, "  Notebook:  %s\n", d.NotebookID)
	fmt.Fprintf(out, "  Region:    %s\n", d.Region)
	if d.ImageRef != "" {
		fmt.Fprintf(out, "  Image:     %s\n", d.ImageRef)
	}
	if d.ServiceURL != "" {
		fmt.Fprintf(out, "  Endpoint:  %s\n", d.ServiceURL)
	}
	if d.RepoFullName != "" {
		fmt.Fprintf(out, "  Tracking:  %s@%s\n", d.RepoFullName, d.Branch)
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:     %s\n", d.ErrorMessage)
	}

	fmt.Fprintf(out, "\nTransitions:\n")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  SEQ\tCYCLE\tSTATUS\tRECORDED\tERROR")
	for _, t := range transitions {
		fmt.Fprintf(tw, "  %d\t%d\t%s\t%s\t%s\n", t.Seq, t.Cycle, t.Status, t.RecordedAt, deployment.Truncate(t.ErrorMessage, 80))
	}
	return tw.Flush()
}
