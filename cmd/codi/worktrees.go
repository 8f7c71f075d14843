package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var worktreesCmd = &cobra.Command{
	Use:   "worktrees",
	Short: "List git worktrees in the codi worktree directory",
	Args:  cobra.NoArgs,
	RunE:  runWorktreesList,
}

var worktreesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop git registrations of worktrees whose directories are gone",
	Args:  cobra.NoArgs,
	RunE:  runWorktreesPrune,
}

func init() {
	rootCmd.AddCommand(worktreesCmd)
	worktreesCmd.AddCommand(worktreesPruneCmd)
}

func runWorktreesList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newWorktreeManager(cfg)
	if err != nil {
		return err
	}
	infos, err := mgr.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Printf("No worktrees in %s\n", mgr.Dir())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BRANCH\tMANAGED\tPATH")
	for _, info := range infos {
		branch := info.Branch
		if branch == "" {
			branch = "(detached)"
		}
		// a fresh manager owns nothing yet; codi worktrees carry the prefix
		managed := "no"
		if info.Managed || (cfg.Worktrees.Prefix != "" && strings.HasPrefix(filepath.Base(info.Path), cfg.Worktrees.Prefix)) {
			managed = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", branch, managed, info.Path)
	}
	return w.Flush()
}

func runWorktreesPrune(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newWorktreeManager(cfg)
	if err != nil {
		return err
	}
	if err := mgr.Prune(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Pruned stale worktree registrations")
	return nil
}
