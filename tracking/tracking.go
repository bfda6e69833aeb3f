package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/log"
)

type Kind int

const (
	KindWorkflowInstance Kind = iota
	KindActivity
	KindBookmarkResumption
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindWorkflowInstance:
		return "WorkflowInstance"
	case KindActivity:
		return "Activity"
	case KindBookmarkResumption:
		return "BookmarkResumption"
	case KindCustom:
		return "Custom"
	}

	return "Unknown"
}

// Workflow instance states recorded with KindWorkflowInstance.
const (
	StateStarted            = "Started"
	StateResumed            = "Resumed"
	StateIdle               = "Idle"
	StateCompleted          = "Completed"
	StateCanceled           = "Canceled"
	StateTerminated         = "Terminated"
	StateAborted            = "Aborted"
	StateUnhandledException = "UnhandledException"
	StatePersisted          = "Persisted"
	StateUnloaded           = "Unloaded"
	StateDeleted            = "Deleted"
)

// Record is a single tracking record emitted by a workflow instance.
type Record struct {
	InstanceID string
	Kind       Kind
	State      string
	ActivityID string
	Bookmark   *core.Bookmark
	Time       time.Time
	Data       map[string]any
}

// Participant receives tracking records when an instance flushes them.
type Participant interface {
	Track(ctx context.Context, record Record) error
}

type logParticipant struct {
	logger *slog.Logger
}

// NewLogParticipant returns a participant that writes every record to the given logger at debug level.
func NewLogParticipant(logger *slog.Logger) Participant {
	return &logParticipant{logger: logger}
}

func (lp *logParticipant) Track(ctx context.Context, r Record) error {
	attrs := []any{
		log.InstanceIDKey, r.InstanceID,
		log.StateKey, r.State,
	}

	if r.ActivityID != "" {
		attrs = append(attrs, log.ActivityIDKey, r.ActivityID)
	}

	if r.Bookmark != nil {
		attrs = append(attrs, log.BookmarkKey, r.Bookmark.String())
	}

	lp.logger.DebugContext(ctx, "tracking "+r.Kind.String(), attrs...)

	return nil
}
