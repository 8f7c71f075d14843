package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/codi/internal/history"
)

var (
	historyWorker  string
	historySession string
	historySince   time.Duration
	historyFailed  bool
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show results of past workers",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyWorker, "worker", "", "filter by worker id")
	historyCmd.Flags().StringVar(&historySession, "session", "", "filter by session id")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only results newer than this, e.g. 24h")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "only unsuccessful results")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of results")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the config")
	}

	store, err := history.New(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := history.ListOptions{
		WorkerID:   historyWorker,
		Session:    historySession,
		FailedOnly: historyFailed,
		Limit:      historyLimit,
	}
	if historySince > 0 {
		opts.Since = time.Now().Add(-historySince)
	}
	entries, err := store.List(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No results recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tWORKER\tBRANCH\tDURATION\tCOMMITS\tSESSION\tSTATUS")
	for _, e := range entries {
		status := statusStyle(e.Status).Render(string(e.Status))
		if e.Reason != "" {
			status += " (" + string(e.Reason) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.CompletedAt.Local().Format("2006-01-02 15:04"), e.WorkerID, e.Branch,
			e.Duration.Round(time.Second), e.Commits, shortSession(e.Session), status)
	}
	return w.Flush()
}

func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
