package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

func TestRecordEvictsOldestAtCapacity(t *testing.T) {
	r := NewRegistry()
	sess := &v1.Session{ID: "s1", ProjectSlug: "p1"}
	r.register(sess, nil, func() {})

	const extra = 25
	for i := 0; i < v1.TimelineCap+extra; i++ {
		ev := v1.NewEvent(protocol.TaskStatus, map[string]any{"seq": i})
		ev.SessionID = "s1"
		r.Record(ev)
	}

	require.Len(t, sess.Timeline, v1.TimelineCap)
	assert.Equal(t, extra, sess.Timeline[0].Data["seq"], "oldest events evicted first")
	assert.Equal(t, v1.TimelineCap+extra-1, sess.Timeline[v1.TimelineCap-1].Data["seq"])
}

func TestRecordIgnoresUnknownSessions(t *testing.T) {
	r := NewRegistry()
	ev := v1.NewEvent(protocol.TaskStatus, nil)
	ev.SessionID = "ghost"
	r.Record(ev)
	assert.Equal(t, 0, r.Count())
}

func TestLiveCheckpointsCopiesPlan(t *testing.T) {
	r := NewRegistry()
	sess := &v1.Session{
		ID:          "s1",
		ProjectSlug: "p1",
		Plan: &v1.Plan{Tasks: []*v1.Task{
			{ID: "t1", Status: v1.TaskStatusRunning},
		}},
	}
	r.register(sess, nil, func() {})

	cps := r.LiveCheckpoints()
	require.Len(t, cps, 1)

	// later scheduler writes must not leak into the snapshot
	sess.Plan.Tasks[0].Status = v1.TaskStatusDone
	assert.Equal(t, v1.TaskStatusRunning, cps[0].Plan.Tasks[0].Status)
}
