package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

var buildCmd = &cobra.Command{
	Use:   "build <slug> <prompt>",
	Short: "Run one session to completion, streaming progress",
	Args:  exactArgs(2),
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

// terminalSink prints bus events as they happen. Build runs
// single-session so a large buffer never fills.
type terminalSink struct {
	ch   chan *v1.Event
	done chan struct{}
}

func newTerminalSink() *terminalSink {
	return &terminalSink{ch: make(chan *v1.Event, 4096), done: make(chan struct{})}
}

func (s *terminalSink) Send(ev *v1.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *terminalSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		if flagJSON {
			raw, _ := json.Marshal(ev)
			fmt.Println(string(raw))
			continue
		}
		switch ev.Kind {
		case protocol.SessionStart:
			fmt.Printf("session %s started\n", ev.SessionID)
		case protocol.PlanCreated:
			tasks, _ := ev.Data["tasks"].([]map[string]any)
			fmt.Printf("plan: %d tasks\n", len(tasks))
		case protocol.TaskStatus:
			fmt.Printf("task %s: %v\n", ev.TaskID, ev.Data["status"])
		case protocol.AgentStatus:
			fmt.Printf("agent %v [%v]: %v\n", ev.Data["model"], ev.TaskID, ev.Data["status"])
		case protocol.AgentOutput:
			if chunk, ok := ev.Data["chunk"].(string); ok {
				fmt.Print(chunk)
			}
		case protocol.VerifyStatus:
			fmt.Printf("verify: %v\n", ev.Data["status"])
		case protocol.SessionWarning:
			fmt.Printf("warning: %v\n", ev.Data["message"])
		case protocol.SessionError:
			fmt.Fprintf(os.Stderr, "error: %v\n", ev.Data["error"])
		}
	}
}

func (s *terminalSink) stop() {
	close(s.ch)
	<-s.done
}

func runBuild(cmd *cobra.Command, args []string) error {
	slug, prompt := args[0], args[1]

	app, err := newApp(flagMock)
	if err != nil {
		return err
	}
	defer app.close()

	sink := newTerminalSink()
	app.bus.Subscribe(sink, slug)
	go sink.run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	app.checkpoints.Start()
	sess, err := app.service.Start(ctx, slug, prompt)
	app.checkpoints.Stop()
	app.bus.Unsubscribe(sink, slug)
	sink.stop()
	if err != nil {
		return err
	}

	if !flagJSON {
		fmt.Printf("\nsession %s: %s\n", sess.ID, sess.Status)
		fmt.Printf("cost: %.1f premium requests, %d agents\n",
			sess.Cost.TotalPremiumRequests, sess.Cost.TotalAgents)
	}

	if sess.Status != v1.SessionStatusCompleted || len(sess.FailedTasks) > 0 {
		for _, id := range sess.FailedTasks {
			fmt.Fprintf(os.Stderr, "failed: %s\n", id)
		}
		return fmt.Errorf("session finished with status %s (%d failed tasks)", sess.Status, len(sess.FailedTasks))
	}
	return nil
}
