// Package workspace implements the on-disk workspace store: durable
// project and session records, per-project settings and skills, and the
// checkpoint/interrupted directories used for crash recovery.
//
// Layout under the workspace root:
//
//	projects/<slug>/project.json
//	projects/<slug>/sessions/<sessionId>.json
//	projects/<slug>/skills.json
//	projects/<slug>/settings.json
//	.haivemind/checkpoints/<sessionId>.json
//	.haivemind/interrupted/<sessionId>.json
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/errors"
	"github.com/haivemind/haivemind/internal/common/logger"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Store is the single-writer on-disk index. All updates are atomic
// file renames so readers never observe partial records.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates the workspace directory tree if needed.
func NewStore(root string, log *logger.Logger) (*Store, error) {
	s := &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "workspace-store")),
	}
	for _, dir := range []string{
		filepath.Join(root, "projects"),
		s.CheckpointDir(),
		s.InterruptedDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}
	return s, nil
}

// Root returns the workspace root path.
func (s *Store) Root() string { return s.root }

// CheckpointDir returns the live-session checkpoint directory.
func (s *Store) CheckpointDir() string {
	return filepath.Join(s.root, ".haivemind", "checkpoints")
}

// InterruptedDir returns the recovered-session directory.
func (s *Store) InterruptedDir() string {
	return filepath.Join(s.root, ".haivemind", "interrupted")
}

func (s *Store) projectDir(slug string) string {
	return filepath.Join(s.root, "projects", slug)
}

// Slugify converts a display name to a URL-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// CreateProject persists a new project record. The slug is derived from
// the display name; a duplicate slug is a conflict.
func (s *Store) CreateProject(name, dir string) (*v1.Project, error) {
	slug := Slugify(name)
	if slug == "" {
		return nil, errors.BadRequest("project name must contain at least one alphanumeric character")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pdir := s.projectDir(slug)
	if _, err := os.Stat(filepath.Join(pdir, "project.json")); err == nil {
		return nil, errors.Conflict(fmt.Sprintf("project '%s' already exists", slug))
	}
	if err := os.MkdirAll(filepath.Join(pdir, "sessions"), 0o755); err != nil {
		return nil, errors.InternalError("failed to create project dir", err)
	}

	project := &v1.Project{
		Slug:      slug,
		Name:      name,
		Dir:       dir,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(pdir, "project.json"), project); err != nil {
		return nil, errors.InternalError("failed to persist project", err)
	}

	s.logger.Info("project created", zap.String("slug", slug))
	return project, nil
}

// GetProject loads a project record by slug.
func (s *Store) GetProject(slug string) (*v1.Project, error) {
	var project v1.Project
	if err := readJSON(filepath.Join(s.projectDir(slug), "project.json"), &project); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("project", slug)
		}
		return nil, errors.InternalError("failed to read project", err)
	}
	return &project, nil
}

// ListProjects returns all project records sorted by slug.
func (s *Store) ListProjects() ([]*v1.Project, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		return nil, errors.InternalError("failed to list projects", err)
	}

	var projects []*v1.Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.GetProject(e.Name())
		if err != nil {
			continue // tolerate stray directories
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Slug < projects[j].Slug })
	return projects, nil
}

// DeleteProject removes a project and cascades to its sessions.
func (s *Store) DeleteProject(slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pdir := s.projectDir(slug)
	if _, err := os.Stat(filepath.Join(pdir, "project.json")); err != nil {
		return errors.NotFound("project", slug)
	}
	if err := os.RemoveAll(pdir); err != nil {
		return errors.InternalError("failed to delete project", err)
	}
	s.logger.Info("project deleted", zap.String("slug", slug))
	return nil
}

// SaveSession persists a session record under its project.
func (s *Store) SaveSession(session *v1.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.projectDir(session.ProjectSlug), "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.InternalError("failed to create sessions dir", err)
	}
	if err := writeJSON(filepath.Join(dir, session.ID+".json"), session); err != nil {
		return errors.InternalError("failed to persist session", err)
	}
	return nil
}

// GetSession loads a session record.
func (s *Store) GetSession(slug, sessionID string) (*v1.Session, error) {
	var session v1.Session
	path := filepath.Join(s.projectDir(slug), "sessions", sessionID+".json")
	if err := readJSON(path, &session); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("session", sessionID)
		}
		return nil, errors.InternalError("failed to read session", err)
	}
	return &session, nil
}

// ListSessions returns all finalized session records for a project,
// newest first.
func (s *Store) ListSessions(slug string) ([]*v1.Session, error) {
	dir := filepath.Join(s.projectDir(slug), "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to list sessions", err)
	}

	var sessions []*v1.Session
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var session v1.Session
		if err := readJSON(filepath.Join(dir, e.Name()), &session); err != nil {
			continue // tolerate partial files
		}
		sessions = append(sessions, &session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// SessionFinalized reports whether a session exists in storage with a
// terminal status. Used by checkpoint recovery to skip clean sessions.
func (s *Store) SessionFinalized(slug, sessionID string) bool {
	session, err := s.GetSession(slug, sessionID)
	if err != nil {
		return false
	}
	return session.Status == v1.SessionStatusCompleted || session.Status == v1.SessionStatusFailed
}

// GetSettings loads per-project settings; defaults apply when no
// settings file exists.
func (s *Store) GetSettings(slug string, defaults v1.Settings) (v1.Settings, error) {
	settings := defaults
	path := filepath.Join(s.projectDir(slug), "settings.json")
	if err := readJSON(path, &settings); err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return defaults, errors.InternalError("failed to read settings", err)
	}
	return settings, nil
}

// PutSettings persists per-project settings overrides.
func (s *Store) PutSettings(slug string, settings v1.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.projectDir(slug), "settings.json"), settings)
}

// GetSkills loads the project's skill memory; absent file means empty.
func (s *Store) GetSkills(slug string) (v1.Skills, error) {
	var skills v1.Skills
	path := filepath.Join(s.projectDir(slug), "skills.json")
	if err := readJSON(path, &skills); err != nil {
		if os.IsNotExist(err) {
			return v1.Skills{}, nil
		}
		return v1.Skills{}, errors.InternalError("failed to read skills", err)
	}
	return skills, nil
}

// PutSkills persists the project's skill memory.
func (s *Store) PutSkills(slug string, skills v1.Skills) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	skills.UpdatedAt = time.Now().UTC()
	return writeJSON(filepath.Join(s.projectDir(slug), "skills.json"), skills)
}

// WriteCheckpoint atomically writes a live session checkpoint.
func (s *Store) WriteCheckpoint(cp *v1.Checkpoint) error {
	return writeJSON(filepath.Join(s.CheckpointDir(), cp.SessionID+".json"), cp)
}

// ReadCheckpoints returns all parseable checkpoints. Partial files are
// skipped; they will be retried on the next scan.
func (s *Store) ReadCheckpoints() ([]*v1.Checkpoint, error) {
	entries, err := os.ReadDir(s.CheckpointDir())
	if err != nil {
		return nil, errors.InternalError("failed to list checkpoints", err)
	}

	var cps []*v1.Checkpoint
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var cp v1.Checkpoint
		if err := readJSON(filepath.Join(s.CheckpointDir(), e.Name()), &cp); err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		cps = append(cps, &cp)
	}
	return cps, nil
}

// RemoveCheckpoint deletes a session's checkpoint file. Missing files
// are not an error: finalize always removes defensively.
func (s *Store) RemoveCheckpoint(sessionID string) error {
	err := os.Remove(filepath.Join(s.CheckpointDir(), sessionID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return errors.InternalError("failed to remove checkpoint", err)
	}
	return nil
}

// HasCheckpoint reports whether a checkpoint file exists for a session.
func (s *Store) HasCheckpoint(sessionID string) bool {
	_, err := os.Stat(filepath.Join(s.CheckpointDir(), sessionID+".json"))
	return err == nil
}

// SaveInterrupted persists a recovered interrupted-session record.
func (s *Store) SaveInterrupted(rec *v1.InterruptedSession) error {
	return writeJSON(filepath.Join(s.InterruptedDir(), rec.SessionID+".json"), rec)
}

// GetInterrupted loads one interrupted-session record.
func (s *Store) GetInterrupted(sessionID string) (*v1.InterruptedSession, error) {
	var rec v1.InterruptedSession
	path := filepath.Join(s.InterruptedDir(), sessionID+".json")
	if err := readJSON(path, &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("interrupted session", sessionID)
		}
		return nil, errors.InternalError("failed to read interrupted session", err)
	}
	return &rec, nil
}

// ListInterrupted returns all interrupted-session records.
func (s *Store) ListInterrupted() ([]*v1.InterruptedSession, error) {
	entries, err := os.ReadDir(s.InterruptedDir())
	if err != nil {
		return nil, errors.InternalError("failed to list interrupted sessions", err)
	}

	var recs []*v1.InterruptedSession
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec v1.InterruptedSession
		if err := readJSON(filepath.Join(s.InterruptedDir(), e.Name()), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].InterruptedAt.After(recs[j].InterruptedAt)
	})
	return recs, nil
}

// RemoveInterrupted discards an interrupted-session record.
func (s *Store) RemoveInterrupted(sessionID string) error {
	err := os.Remove(filepath.Join(s.InterruptedDir(), sessionID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("interrupted session", sessionID)
		}
		return errors.InternalError("failed to remove interrupted session", err)
	}
	return nil
}

// writeJSON writes to a temp file then renames, so concurrent readers
// never see a partial record.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
