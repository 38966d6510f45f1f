// Package checkpoint periodically serializes live session state to
// disk and, on startup, converts orphaned checkpoints into
// interrupted-session records.
package checkpoint

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/workspace"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Source exposes the live sessions to checkpoint. The session registry
// implements it.
type Source interface {
	LiveCheckpoints() []*v1.Checkpoint
}

// Service writes one checkpoint file per live session on a fixed
// interval. Writes are atomic; a session finalized normally removes
// its file.
type Service struct {
	store    *workspace.Store
	source   Source
	interval time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewService creates a checkpoint service.
func NewService(store *workspace.Store, source Source, interval time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		source:   source,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "checkpoint")),
	}
}

// Start launches the checkpoint timer.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stop:
				return
			}
		}
	}()
	s.logger.Info("Checkpoint timer started", zap.Duration("interval", s.interval))
}

// Flush writes a checkpoint for every live session immediately.
func (s *Service) Flush() {
	for _, cp := range s.source.LiveCheckpoints() {
		cp.CheckpointedAt = time.Now().UTC()
		if err := s.store.WriteCheckpoint(cp); err != nil {
			s.logger.WithError(err).WithSessionID(cp.SessionID).Error("Checkpoint write failed")
		}
	}
}

// Stop halts the timer and flushes once more.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	<-s.done
	s.Flush()
	s.logger.Info("Checkpoint timer stopped")
}

// Recover scans the checkpoint directory for sessions orphaned by a
// crash, records each as interrupted and removes its checkpoint.
// Checkpoints left behind by sessions that finalized normally are
// discarded, not resurrected. Returns the recovered records.
func Recover(store *workspace.Store, log *logger.Logger) ([]*v1.InterruptedSession, error) {
	cps, err := store.ReadCheckpoints()
	if err != nil {
		return nil, err
	}

	var recovered []*v1.InterruptedSession
	for _, cp := range cps {
		if store.SessionFinalized(cp.ProjectSlug, cp.SessionID) {
			if err := store.RemoveCheckpoint(cp.SessionID); err != nil {
				log.WithError(err).WithSessionID(cp.SessionID).Error("Failed to remove stale checkpoint")
			}
			log.WithSessionID(cp.SessionID).Info("Discarded checkpoint for finalized session")
			continue
		}
		rec := &v1.InterruptedSession{
			SessionID:     cp.SessionID,
			ProjectSlug:   cp.ProjectSlug,
			Prompt:        cp.Prompt,
			Timeline:      cp.Timeline,
			InterruptedAt: cp.CheckpointedAt,
		}
		if cp.Plan != nil {
			for _, t := range cp.Plan.Tasks {
				if t.Status == v1.TaskStatusDone {
					rec.CompletedTasks = append(rec.CompletedTasks, t.ID)
				} else {
					rec.IncompleteTasks = append(rec.IncompleteTasks, t.ID)
				}
			}
		}
		if err := store.SaveInterrupted(rec); err != nil {
			log.WithError(err).WithSessionID(cp.SessionID).Error("Failed to record interrupted session")
			continue
		}
		if err := store.RemoveCheckpoint(cp.SessionID); err != nil {
			log.WithError(err).WithSessionID(cp.SessionID).Error("Failed to remove recovered checkpoint")
		}
		recovered = append(recovered, rec)
		log.WithSessionID(cp.SessionID).Info("Recovered interrupted session",
			zap.String("project", cp.ProjectSlug),
			zap.Int("incomplete", len(rec.IncompleteTasks)),
			zap.Int("completed", len(rec.CompletedTasks)),
		)
	}
	return recovered, nil
}
