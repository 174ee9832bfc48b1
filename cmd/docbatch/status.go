// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pdiddy/docbatch/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every tracked document and its lifecycle state",
	Long: `Status lists the documents in the manifest with their state, timing,
estimated and actual cost, and the last recorded error. It reads the
manifest only and never contacts the remote service.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output records as JSON")
	statusCmd.Flags().String("status", "", "only show documents in this state: pending, processing, completed, imported, failed")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	only, _ := cmd.Flags().GetString("status")
	if only != "" && !types.Status(only).Valid() {
		return fmt.Errorf("unknown status %q", only)
	}

	orch, closeFn, err := openPipeline(false)
	if err != nil {
		return err
	}
	defer closeFn()

	recs, err := orch.Status(cmd.Context())
	if err != nil {
		return err
	}
	if only != "" {
		var kept []types.DocumentRecord
		for _, r := range recs {
			if r.Status == types.Status(only) {
				kept = append(kept, r)
			}
		}
		recs = kept
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	formatStatus(os.Stdout, recs, time.Now())
	return nil
}

var statusColors = map[types.Status]*color.Color{
	types.StatusPending:    color.New(color.FgYellow),
	types.StatusProcessing: color.New(color.FgCyan),
	types.StatusCompleted:  color.New(color.FgBlue),
	types.StatusImported:   color.New(color.FgGreen),
	types.StatusFailed:     color.New(color.FgRed, color.Bold),
}

func formatStatus(w io.Writer, recs []types.DocumentRecord, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No documents tracked.")
		return
	}

	fmt.Fprintf(w, "%-30s  %-10s  %-16s  %-10s  %-9s  %s\n",
		"Name", "Status", "Submitted", "Due", "Cost", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	counts := make(map[types.Status]int)
	var estimated, actual float64
	for _, r := range recs {
		counts[r.Status]++
		estimated += r.Metadata.CostEstimated
		actual += r.Metadata.CostActual

		name := r.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		status := fmt.Sprintf("%-10s", r.Status)
		if c, ok := statusColors[r.Status]; ok {
			status = c.Sprint(status)
		}
		submitted := "-"
		if r.SubmittedAt != nil {
			submitted = r.SubmittedAt.Local().Format("2006-01-02 15:04")
		}
		cost := "-"
		switch {
		case r.Metadata.CostActual > 0:
			cost = fmt.Sprintf("$%.4f", r.Metadata.CostActual)
		case r.Metadata.CostEstimated > 0:
			cost = fmt.Sprintf("~$%.4f", r.Metadata.CostEstimated)
		}
		errText := r.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(w, "%-30s  %s  %-16s  %-10s  %-9s  %s\n",
			name, status, submitted, due(r, now), cost, errText)
	}

	fmt.Fprintln(w)
	var parts []string
	for _, s := range []types.Status{types.StatusPending, types.StatusProcessing, types.StatusCompleted, types.StatusImported, types.StatusFailed} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	fmt.Fprintf(w, "%d documents: %s\n", len(recs), strings.Join(parts, ", "))
	fmt.Fprintf(w, "Cost: ~$%.4f estimated, $%.4f actual\n", estimated, actual)
}

// due describes when a processing document's results are expected.
func due(r types.DocumentRecord, now time.Time) string {
	if r.Status != types.StatusProcessing || r.EstimatedCompletion == nil {
		return "-"
	}
	left := r.EstimatedCompletion.Sub(now)
	if left <= 0 {
		return "overdue"
	}
	return "in " + left.Round(time.Minute).String()
}
