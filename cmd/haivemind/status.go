package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

var statusCmd = &cobra.Command{
	Use:   "status <slug>",
	Short: "Show a project's latest session and settings",
	Args:  exactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	slug := args[0]
	cfg, _, store, err := newStore()
	if err != nil {
		return err
	}

	project, err := store.GetProject(slug)
	if err != nil {
		return err
	}
	sessions, err := store.ListSessions(slug)
	if err != nil {
		return err
	}
	settings, err := store.GetSettings(slug, cfg.DefaultSettings())
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"project":  project,
			"sessions": len(sessions),
			"settings": settings,
			"latest":   latestOrNil(sessions),
		})
	}

	fmt.Printf("Project:   %s (%s)\n", project.Name, project.Slug)
	if project.Dir != "" {
		fmt.Printf("Dir:       %s\n", project.Dir)
	}
	fmt.Printf("Sessions:  %d\n", len(sessions))
	fmt.Printf("Settings:  concurrency=%d retries=%d escalation=%v", settings.MaxConcurrency, settings.MaxRetriesTotal, settings.Escalation)
	if settings.CostCeiling != nil {
		fmt.Printf(" ceiling=%.1f", *settings.CostCeiling)
	}
	fmt.Println()

	if latest := latestOrNil(sessions); latest != nil {
		fmt.Printf("Latest:    %s [%s]\n", latest.ID, latest.Status)
		fmt.Printf("Prompt:    %s\n", latest.Prompt)
		fmt.Printf("Cost:      %.1f premium requests, %d agents\n",
			latest.Cost.TotalPremiumRequests, latest.Cost.TotalAgents)
		if len(latest.FailedTasks) > 0 {
			fmt.Printf("Failed:    %v\n", latest.FailedTasks)
		}
	}
	return nil
}

func latestOrNil(sessions []*v1.Session) *v1.Session {
	if len(sessions) == 0 {
		return nil
	}
	return sessions[0]
}
