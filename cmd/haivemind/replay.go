package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <slug> <session-id>",
	Short: "Print a persisted session's timeline in order",
	Args:  exactArgs(2),
	RunE:  runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	slug, sessionID := args[0], args[1]
	_, _, store, err := newStore()
	if err != nil {
		return err
	}

	sess, err := store.GetSession(slug, sessionID)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range sess.Timeline {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Printf("session %s [%s] - %s\n", sess.ID, sess.Status, sess.Prompt)
	for _, ev := range sess.Timeline {
		line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Format("15:04:05.000"), ev.Kind)
		if ev.TaskID != "" {
			line += " task=" + ev.TaskID
		}
		if status, ok := ev.Data["status"].(string); ok {
			line += " status=" + status
		}
		if reason, ok := ev.Data["reason"].(string); ok {
			line += " reason=" + reason
		}
		fmt.Println(line)
	}
	fmt.Printf("%d events\n", len(sess.Timeline))
	return nil
}
