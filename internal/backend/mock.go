package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// MockBackend simulates worker subprocesses without spawning anything.
// Tasks succeed by default; FailTask scripts a number of failing
// attempts before success, and HangTask makes attempts block until
// signalled, for exercising timeout and kill paths.
type MockBackend struct {
	mu        sync.Mutex
	delay     time.Duration
	failures  map[string]int
	hanging   map[string]bool
	attempts  map[string]int
	active    int
	maxActive int
	output    func(req *SpawnRequest, attempt int) string
}

// NewMockBackend creates a mock backend where every spawn succeeds
// immediately with a canned summary-bearing transcript.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		failures: make(map[string]int),
		hanging:  make(map[string]bool),
		attempts: make(map[string]int),
	}
}

func (b *MockBackend) Name() string { return "mock" }

// SetDelay makes each mock attempt take the given wall time.
func (b *MockBackend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// FailTask scripts the first n attempts for taskID to exit non-zero.
func (b *MockBackend) FailTask(taskID string, n int) {
	b.mu.Lock()
	b.failures[taskID] = n
	b.mu.Unlock()
}

// HangTask makes attempts for taskID block until signalled or killed.
func (b *MockBackend) HangTask(taskID string) {
	b.mu.Lock()
	b.hanging[taskID] = true
	b.mu.Unlock()
}

// SetOutput overrides the transcript produced for each attempt.
func (b *MockBackend) SetOutput(fn func(req *SpawnRequest, attempt int) string) {
	b.mu.Lock()
	b.output = fn
	b.mu.Unlock()
}

// Attempts returns how many times taskID has been spawned.
func (b *MockBackend) Attempts(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[taskID]
}

// MaxConcurrent returns the peak number of children alive at once.
func (b *MockBackend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxActive
}

func (b *MockBackend) childExited() {
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
}

func (b *MockBackend) Spawn(ctx context.Context, req *SpawnRequest) (Child, error) {
	b.mu.Lock()
	b.attempts[req.TaskID]++
	attempt := b.attempts[req.TaskID]
	fail := b.failures[req.TaskID] >= attempt
	hang := b.hanging[req.TaskID]
	delay := b.delay
	outputFn := b.output
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()

	var transcript string
	if outputFn != nil {
		transcript = outputFn(req, attempt)
	} else if fail {
		transcript = fmt.Sprintf("error: attempt %d for %s could not complete\n", attempt, req.TaskID)
	} else {
		transcript = strings.Join([]string{
			fmt.Sprintf("Creating file: %s.go", req.TaskID),
			"$ go test ./...",
			"ok  \t3 passed, 0 failed",
			"Done.",
		}, "\n") + "\n"
	}

	exitCode := 0
	if fail {
		exitCode = 1
	}

	child := &mockChild{
		command:  fmt.Sprintf("mock-agent --model %s --task %s", req.Model, req.TaskID),
		stdout:   bytes.NewBufferString(transcript),
		stderr:   bytes.NewBuffer(nil),
		exitCode: exitCode,
		delay:    delay,
		hang:     hang,
		killed:   make(chan struct{}),
		exited:   b.childExited,
	}
	return child, nil
}

type mockChild struct {
	command  string
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	exitCode int
	delay    time.Duration
	hang     bool
	exited   func()

	killOnce sync.Once
	exitOnce sync.Once
	killed   chan struct{}
}

func (c *mockChild) CLICommand() string { return c.command }
func (c *mockChild) Stdout() io.Reader  { return c.stdout }
func (c *mockChild) Stderr() io.Reader  { return c.stderr }

func (c *mockChild) Wait() (int, error) {
	defer c.exitOnce.Do(c.exited)
	if c.hang {
		<-c.killed
		return 137, nil
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-c.killed:
			return 137, nil
		}
	}
	select {
	case <-c.killed:
		return 137, nil
	default:
	}
	return c.exitCode, nil
}

func (c *mockChild) Signal(sig os.Signal) error {
	c.killOnce.Do(func() { close(c.killed) })
	return nil
}

func (c *mockChild) Kill() error {
	c.killOnce.Do(func() { close(c.killed) })
	return nil
}
