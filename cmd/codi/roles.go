package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/codi/internal/prompts"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List the role prompts workers can be given",
	Args:  cobra.NoArgs,
	RunE:  runRoles,
}

func init() {
	rootCmd.AddCommand(rolesCmd)
}

func runRoles(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	roles, err := prompts.DefaultLoader(wd).ListRoles()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tNAME\tDESCRIPTION")
	for _, r := range roles {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.Description)
	}
	return w.Flush()
}
