// Package progress implements the progress protocol (spec §4.4, component
// 6): the milestone/heartbeat JSON documents workers write and the
// orchestrator reads. One document per active task, keyed by its 7-hex
// task_id (spec §3 "ShepherdProgress").
package progress

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/rjwalters/loom/internal/paths"
	"github.com/rjwalters/loom/internal/store"
)

// Status is a ShepherdProgress's overall state.
type Status string

const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusErrored   Status = "errored"
	StatusRetrying  Status = "retrying"
)

// Event is a Milestone's event tag (spec §3 "Milestone").
type Event string

const (
	EventStarted        Event = "started"
	EventPhaseEntered    Event = "phase_entered"
	EventPhaseCompleted  Event = "phase_completed"
	EventWorktreeCreated Event = "worktree_created"
	EventFirstCommit     Event = "first_commit"
	EventPRCreated       Event = "pr_created"
	EventHeartbeat       Event = "heartbeat"
	EventCompleted       Event = "completed"
	EventBlocked         Event = "blocked"
	EventError           Event = "error"
)

// Milestone is one append-only structured event in a progress document.
type Milestone struct {
	Event     Event                  `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ShepherdProgress is the per-task document workers write and the
// orchestrator reads (spec §3).
type ShepherdProgress struct {
	TaskID        string      `json:"task_id"`
	Issue         int         `json:"issue"`
	Mode          string      `json:"mode"`
	StartedAt     time.Time   `json:"started_at"`
	CurrentPhase  string      `json:"current_phase,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Status        Status      `json:"status"`
	Milestones    []Milestone `json:"milestones"`
}

// Writer is the worker-side half of the protocol: one writer, one task.
type Writer struct {
	root   paths.Root
	taskID string
}

// NewWriter returns a Writer for taskID under root.
func NewWriter(root paths.Root, taskID string) *Writer {
	return &Writer{root: root, taskID: taskID}
}

// Report appends a milestone, initializing the document on the first
// "started" event and updating status/current_phase/last_heartbeat per spec
// §4.4. If the document does not exist and event is not "started", Report
// writes nothing and returns ErrNotStarted, on every such call; Report
// itself logs nothing, so how often that is reported is up to the caller.
var ErrNotStarted = errors.New("progress: no started event recorded yet")

func (w *Writer) Report(issue int, mode string, event Event, phase string, data map[string]interface{}) error {
	path := w.root.ProgressFile(w.taskID)
	now := time.Now().UTC()

	var doc ShepherdProgress
	exists := store.Exists(path)
	if !exists {
		if event != EventStarted {
			return ErrNotStarted
		}
		doc = ShepherdProgress{
			TaskID:    w.taskID,
			Issue:     issue,
			Mode:      mode,
			StartedAt: now,
			Status:    StatusWorking,
		}
	} else {
		if err := store.ReadStrict(path, &doc); err != nil {
			return err
		}
	}

	doc.LastHeartbeat = now
	if phase != "" {
		doc.CurrentPhase = phase
	}
	doc.Milestones = append(doc.Milestones, Milestone{Event: event, Timestamp: now, Data: data})

	switch event {
	case EventCompleted:
		doc.Status = StatusCompleted
		doc.CurrentPhase = ""
	case EventBlocked:
		doc.Status = StatusBlocked
		doc.CurrentPhase = ""
	case EventError:
		doc.Status = StatusErrored
		doc.CurrentPhase = ""
	}

	return store.Write(path, doc)
}

// Reader is the orchestrator-side half: many readers, tolerant of a
// transiently missing document.
type Reader struct {
	root paths.Root
}

// NewReader returns a Reader for root.
func NewReader(root paths.Root) *Reader {
	return &Reader{root: root}
}

// Tail loads the current progress document for taskID, returning ok=false
// if it does not exist yet.
func (r *Reader) Tail(taskID string) (ShepherdProgress, bool) {
	path := r.root.ProgressFile(taskID)
	if !store.Exists(path) {
		return ShepherdProgress{}, false
	}
	var doc ShepherdProgress
	if err := store.ReadStrict(path, &doc); err != nil {
		return ShepherdProgress{}, false
	}
	return doc, true
}

// Stale reports whether doc's heartbeat is older than threshold, measured at
// "now". Exactly at threshold is NOT stale (spec §8 boundary behavior);
// strictly greater than threshold is.
func Stale(doc ShepherdProgress, threshold time.Duration, now time.Time) bool {
	return now.Sub(doc.LastHeartbeat) > threshold
}

// List returns every task_id with a progress document under root.
func (r *Reader) List() ([]string, error) {
	entries, err := store.ListDir(r.root.ProgressDir())
	if err != nil {
		return nil, nil
	}
	var ids []string
	for _, name := range entries {
		if id, ok := taskIDFromFilename(name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes a task's progress document (pool restart / startup cleanup
// — the orchestrator never writes these, only deletes them, spec §5).
func (r *Reader) Delete(taskID string) error {
	return store.Delete(r.root.ProgressFile(taskID))
}

func taskIDFromFilename(name string) (string, bool) {
	const prefix, suffix = "shepherd-", ".json"
	if len(name) <= len(prefix)+len(suffix) {
		return "", false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	id := name[len(prefix) : len(name)-len(suffix)]
	if !paths.ValidTaskID(id) {
		return "", false
	}
	return id, true
}
