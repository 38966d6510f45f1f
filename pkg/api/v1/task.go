package v1

// TaskStatus represents the status of a task in the session DAG
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusReady   TaskStatus = "ready"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Terminal returns true if the task can no longer change status
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Task is a node in a session's dependency graph
type Task struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	Prompt       string     `json:"prompt,omitempty"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Retries      int        `json:"retries"`
	Tier         ModelTier  `json:"tier"`
	FixFor       string     `json:"fix_for,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Edge is a directed dependency between two tasks
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Plan is the decomposed task graph for a session.
// Edges are derived from task dependencies and stored both ways
// to simplify traversal.
type Plan struct {
	Tasks []*Task `json:"tasks"`
	Edges []Edge  `json:"edges"`
}

// DeriveEdges rebuilds the edge list from task dependencies
func (p *Plan) DeriveEdges() {
	p.Edges = p.Edges[:0]
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			p.Edges = append(p.Edges, Edge{Source: dep, Target: t.ID})
		}
	}
}

// Clone returns a deep copy of the plan. Snapshots taken while the
// scheduler is mutating task state must not share task pointers.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := &Plan{
		Tasks: make([]*Task, len(p.Tasks)),
		Edges: append([]Edge(nil), p.Edges...),
	}
	for i, t := range p.Tasks {
		tc := *t
		tc.Dependencies = append([]string(nil), t.Dependencies...)
		cp.Tasks[i] = &tc
	}
	return cp
}

// Task returns the task with the given ID, or nil
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}
