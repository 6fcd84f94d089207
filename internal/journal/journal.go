package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/shop-reduction/internal/obs"
)

// TaskRuleChange is the asynq task type carrying one Entry.
const TaskRuleChange = "journal:rule_change"

// ErrInvalidEntry is returned for entries missing their identifiers.
var ErrInvalidEntry = errors.New("journal: invalid entry")

// Entry records one authoring mutation and the rules it left behind.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	Author     string          `json:"author"`
	Operation  string          `json:"operation"`
	Command    string          `json:"command"`
	Contents   json.RawMessage `json:"contents"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (e Entry) validate() error {
	if e.ID == uuid.Nil || e.SessionID == uuid.Nil || e.Operation == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Recorder accepts journal entries. Implementations must not block the caller
// on slow storage.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

// NewTask wraps entry in an asynq task.
func NewTask(entry Entry) (*asynq.Task, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRuleChange, payload), nil
}

// TaskEnqueuer is implemented by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer records entries by enqueueing them for the worker.
type Enqueuer struct {
	Client   TaskEnqueuer
	Queue    string
	MaxRetry int
	Logger   zerolog.Logger
}

// Record enqueues entry. The entry id doubles as the task id so a retried
// request never journals twice.
func (e Enqueuer) Record(ctx context.Context, entry Entry) error {
	task, err := NewTask(entry)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.TaskID(entry.ID.String())}
	if e.Queue != "" {
		opts = append(opts, asynq.Queue(e.Queue))
	}
	if e.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(e.MaxRetry))
	}
	info, err := e.Client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		countEntry("enqueue_error")
		return fmt.Errorf("enqueue journal entry: %w", err)
	}
	countEntry("enqueued")
	e.Logger.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("journal entry enqueued")
	return nil
}

// Handler persists journal tasks. It is registered on the worker mux.
type Handler struct {
	Store  Store
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var entry Entry
	if err := json.Unmarshal(task.Payload(), &entry); err != nil {
		countEntry("rejected")
		return fmt.Errorf("decode journal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := entry.validate(); err != nil {
		countEntry("rejected")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := h.Store.Insert(ctx, entry); err != nil {
		countEntry("store_error")
		h.Logger.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("journal insert failed")
		return err
	}
	countEntry("stored")
	return nil
}

func countEntry(result string) {
	if obs.JournalEntriesTotal != nil {
		obs.JournalEntriesTotal.WithLabelValues(result).Inc()
	}
}
