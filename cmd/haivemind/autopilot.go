package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/autopilot"
)

var flagCycles int

var autopilotCmd = &cobra.Command{
	Use:   "autopilot <slug>",
	Short: "Run the autopilot loop until a stop condition trips",
	Args:  exactArgs(1),
	RunE:  runAutopilot,
}

func init() {
	autopilotCmd.Flags().IntVar(&flagCycles, "cycles", autopilot.DefaultMaxCycles, "Maximum number of session cycles")
	rootCmd.AddCommand(autopilotCmd)
}

func runAutopilot(cmd *cobra.Command, args []string) error {
	slug := args[0]

	app, err := newApp(flagMock)
	if err != nil {
		return err
	}
	defer app.close()

	app.checkpoints.Start()
	defer app.checkpoints.Stop()

	if err := app.pilot.Start(context.Background(), slug, autopilot.Inputs{MaxCycles: flagCycles}); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		_ = app.pilot.Stop(slug)
	}()

	app.pilot.Wait(slug)
	status := app.pilot.Status(slug)

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(status)
	}
	fmt.Printf("autopilot stopped after cycle %d: %s\n", status.Cycle, status.StopReason)

	if strings.Contains(status.StopReason, "failed") || strings.Contains(status.StopReason, "interrupted") {
		return fmt.Errorf("autopilot stopped on failure: %s", status.StopReason)
	}
	return nil
}
