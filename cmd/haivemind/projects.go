package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects in the workspace",
	Args:  exactArgs(0),
	RunE:  runProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(cmd *cobra.Command, args []string) error {
	_, _, store, err := newStore()
	if err != nil {
		return err
	}

	projects, err := store.ListProjects()
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(projects)
	}

	if len(projects) == 0 {
		fmt.Println("No projects. Create one with POST /api/projects.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tDIR\tSESSIONS")
	for _, p := range projects {
		sessions, _ := store.ListSessions(p.Slug)
		dir := p.Dir
		if dir == "" {
			dir = "(managed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Slug, p.Name, dir, len(sessions))
	}
	return w.Flush()
}
