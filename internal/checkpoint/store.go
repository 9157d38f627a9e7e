package checkpoint

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

var (
	// ErrNotFound is returned when no snapshot exists for a task id.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned when a stored snapshot fails to decode or
	// verify.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrStale is returned when saving a generation older than the one
	// already stored.
	ErrStale = errors.New("checkpoint generation is stale")

	// ErrConflict is returned when the stored snapshot changed after the
	// Revision being saved was loaded.
	ErrConflict = errors.New("checkpoint changed since it was loaded")
)

// Snapshot is the full serializable task, phase included.
type Snapshot struct {
	Task    *task.Task `json:"task"`
	SavedAt time.Time  `json:"saved_at"`

	// Revision is the backend version Load returned the snapshot at. A
	// backend that versions keys saves only over that same revision; zero
	// skips the check. Memory and SQLite stores leave it zero.
	Revision uint64 `json:"-"`
}

// Summary describes the newest generation of one task.
type Summary struct {
	TaskID               string     `json:"task_id"`
	UserID               string     `json:"user_id"`
	Generation           int        `json:"generation"`
	Phase                task.Phase `json:"phase"`
	Goal                 string     `json:"goal,omitempty"`
	AwaitingConfirmation bool       `json:"awaiting_confirmation"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Store is the checkpoint contract. Save must be all-or-nothing: a
// concurrent Load observes either the previous or the new snapshot.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, taskID string) (Snapshot, error)
	List(ctx context.Context, userID string) ([]Summary, error)
	Close() error
}

func summarize(t *task.Task) Summary {
	return Summary{
		TaskID:               t.ID,
		UserID:               t.UserID,
		Generation:           t.Generation,
		Phase:                t.Phase,
		Goal:                 t.Goal,
		AwaitingConfirmation: t.Phase == task.PhaseAwaitingConfirmation,
		UpdatedAt:            t.UpdatedAt,
	}
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		return s[i].TaskID < s[j].TaskID
	})
}
