package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/codi/internal/orchestrator"
	"github.com/hochfrequenz/codi/internal/statusfeed"
)

var (
	workersAll   bool
	workersLines int
	workersAddr  string
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect the workers of a running delegate --serve",
	RunE:  runWorkersList,
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var workersShowCmd = &cobra.Command{
	Use:   "show <worker-id>",
	Short: "Show one worker with its recent log",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersShow,
}

var workersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream worker events until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorkersWatch,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersShowCmd)
	workersCmd.AddCommand(workersWatchCmd)

	workersCmd.PersistentFlags().StringVar(&workersAddr, "addr", "", "status feed address (default from config)")
	workersCmd.Flags().BoolVarP(&workersAll, "all", "a", false, "include finished workers")
	workersListCmd.Flags().BoolVarP(&workersAll, "all", "a", false, "include finished workers")
	workersShowCmd.Flags().IntVarP(&workersLines, "lines", "n", 20, "log lines to show")
}

func feedClient() (*statusfeed.Client, error) {
	if workersAddr != "" {
		return statusfeed.NewClient(workersAddr), nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return statusfeed.NewClient(cfg.Status.Addr()), nil
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	client, err := feedClient()
	if err != nil {
		return err
	}
	workers, err := client.Workers(cmd.Context(), !workersAll)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBRANCH\tPROGRESS\tTOOL\tDURATION\tSTATUS")
	for _, wr := range workers {
		tool := wr.CurrentTool
		if tool == "" {
			tool = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			wr.ID, wr.Branch, wr.Progress, tool, wr.Duration,
			statusStyle(wr.Status).Render(string(wr.Status)))
	}
	return w.Flush()
}

func runWorkersShow(cmd *cobra.Command, args []string) error {
	client, err := feedClient()
	if err != nil {
		return err
	}
	wr, err := client.Worker(cmd.Context(), args[0], workersLines)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", workerStyle.Render(wr.ID), statusStyle(wr.Status).Render(string(wr.Status)))
	fmt.Printf("Branch:   %s\n", wr.Branch)
	fmt.Printf("Worktree: %s\n", wr.WorktreePath)
	fmt.Printf("Task:     %s\n", wr.Task)
	fmt.Printf("Progress: %d%%  Tokens: %d  Restarts: %d\n", wr.Progress, wr.TokensUsed, wr.RestartCount)
	if wr.Error != "" {
		fmt.Printf("Error:    %s\n", failStyle.Render(wr.Error))
	}
	if len(wr.Logs) > 0 {
		fmt.Println()
		for _, l := range wr.Logs {
			fmt.Printf("%s %s\n", dimStyle.Render(l.Time.Format("15:04:05")), l.Content)
		}
	}
	return nil
}

func runWorkersWatch(cmd *cobra.Command, args []string) error {
	client, err := feedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = client.Watch(ctx, func(ev statusfeed.FeedEvent) error {
		if line := renderFeedEvent(ev); line != "" {
			fmt.Println(line)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// renderFeedEvent decodes a feed event back into its orchestrator event so
// watch output matches the delegate terminal.
func renderFeedEvent(ev statusfeed.FeedEvent) string {
	var decoded orchestrator.Event
	var err error
	switch ev.Type {
	case "worker_spawned":
		decoded, err = decodeFeed[orchestrator.WorkerSpawned](ev.Data)
	case "worker_status":
		decoded, err = decodeFeed[orchestrator.WorkerStatusChanged](ev.Data)
	case "worker_log":
		decoded, err = decodeFeed[orchestrator.WorkerLogged](ev.Data)
	case "permission_requested":
		decoded, err = decodeFeed[orchestrator.PermissionRequested](ev.Data)
	case "worker_restarted":
		decoded, err = decodeFeed[orchestrator.WorkerRestarted](ev.Data)
	case "worker_finished":
		decoded, err = decodeFeed[orchestrator.WorkerFinished](ev.Data)
	default:
		return fmt.Sprintf("[%s] %s", ev.WorkerID, ev.Type)
	}
	if err != nil {
		return fmt.Sprintf("[%s] %s (undecodable: %v)", ev.WorkerID, ev.Type, err)
	}
	return renderEvent(decoded)
}

func decodeFeed[E orchestrator.Event](data json.RawMessage) (orchestrator.Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}
