// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/docbatch/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Validate inbox documents and submit them as batch jobs",
	Long: `Submit scans the inbox, rejects unsupported, empty, or oversized files
before any network call, uploads each accepted document, and submits one
batch of three extraction requests (notes, flashcards, summary) per document.
Submitted documents move to processing/<name>/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openPipeline(true)
		if err != nil {
			return err
		}
		defer closeFn()

		sum, err := orch.SubmitPending(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		return checkSummary(sum)
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Check the remote state of processing documents",
	Long: `Poll queries every processing document's batch job once per pass and
records completed or failed jobs. Passes repeat while jobs keep changing
state, up to max_poll_passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openPipeline(true)
		if err != nil {
			return err
		}
		defer closeFn()

		sum, err := orch.Poll(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		return checkSummary(sum)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and validate results of completed jobs",
	Long: `Fetch polls first, then downloads the output of every completed job that
has no results yet. Each artifact is validated against its schema and written
to completed/<name>/results/. A document keeps whichever artifacts validated;
when none do, the fetch is retried on the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openPipeline(true)
		if err != nil {
			return err
		}
		defer closeFn()

		sum, err := orch.Fetch(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		return checkSummary(sum)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Write fetched results into the knowledge vault",
	Long: `Import renders concept notes, a flashcard deck, pareto pages, and a source
index for every completed document. Pages are rewritten only when their
content changed. Pages written by hand or by another document are never
overwritten. Use --force to re-import documents already imported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		orch, closeFn, err := openPipeline(false)
		if err != nil {
			return err
		}
		defer closeFn()

		sum, err := orch.Import(cmd.Context(), force, os.Stdout)
		if err != nil {
			return err
		}
		return checkSummary(sum)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run submit, poll, fetch, and import once or continuously",
	Long: `Run executes every phase in order: submit pending documents, poll
processing ones until nothing changes, fetch completed results, and import
them into the vault. With --watch it repeats on an interval until
interrupted. A run with nothing to do changes nothing on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		orch, closeFn, err := openPipeline(true)
		if err != nil {
			return err
		}
		defer closeFn()

		if watch {
			interval := viper.GetDuration("watch_interval")
			fmt.Fprintf(os.Stderr, "Watching every %s, interrupt to stop\n", interval)
			return orch.Watch(cmd.Context(), interval, os.Stdout)
		}

		res, err := orch.ProcessAll(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		return checkSummary(res.Overall())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Return a failed document to pending",
	Long: `Reset clears a failed document's job data and error, sets it back to
pending, and moves its file to the inbox so the next submit retries it.
Only failed documents can be reset.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openPipeline(false)
		if err != nil {
			return err
		}
		defer closeFn()

		rec, err := orch.Reset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("reset %s (%s)\n", rec.Name, rec.Status)
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("force", false, "re-import documents that were already imported")

	runCmd.Flags().Bool("watch", false, "repeat the pipeline until interrupted")
	runCmd.Flags().Duration("interval", types.DefaultPipelineConfig().WatchInterval, "delay between runs in watch mode")
	viper.BindPFlag("watch_interval", runCmd.Flags().Lookup("interval"))

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resetCmd)
}
