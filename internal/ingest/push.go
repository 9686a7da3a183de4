package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"issuebot/internal/models"
	"issuebot/internal/telemetry"
)

// Response statuses returned to producers.
const (
	StatusQueued  = "queued"
	StatusIgnored = "ignored"
)

// Enqueuer writes a payload to the pending store.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.Payload) (string, error)
}

// Response is the result of a push delivery.
type Response struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// openedEvent holds the fields an "opened" delivery must carry for the
// processor to answer it.
type openedEvent struct {
	Issue struct {
		Number int     `json:"number" validate:"gt=0"`
		Title  *string `json:"title" validate:"required"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name" validate:"required,contains=/"`
	} `json:"repository"`
}

// Receiver accepts pushed issue events.
type Receiver struct {
	store  Enqueuer
	logger *slog.Logger
}

func NewReceiver(store Enqueuer) *Receiver {
	return &Receiver{store: store, logger: slog.Default().With("component", "webhook")}
}

// Receive enqueues payload when it is an "opened" event. Other actions and
// malformed opened events are ignored. Store errors are returned.
func (r *Receiver) Receive(ctx context.Context, payload models.Payload) (Response, error) {
	number, _ := payload.IssueNumber()
	r.logger.Info("received webhook", "issue", number, "repo", payload.Repository(), "action", payload.Action())

	if action := payload.Action(); action != "opened" {
		r.logger.Info("ignoring action", "action", action)
		return Response{Status: StatusIgnored, Reason: fmt.Sprintf("Action %s is not handled", action)}, nil
	}
	if err := validateOpened(payload); err != nil {
		r.logger.Warn("ignoring malformed event", "err", err)
		return Response{Status: StatusIgnored, Reason: err.Error()}, nil
	}

	taskID, err := r.store.Enqueue(ctx, payload)
	if err != nil {
		return Response{}, fmt.Errorf("enqueue webhook event: %w", err)
	}
	telemetry.TasksEnqueued.WithLabelValues("push").Inc()
	return Response{Status: StatusQueued, TaskID: taskID}, nil
}

func validateOpened(payload models.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invalid issue payload: %v", err)
	}
	var ev openedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("invalid issue payload: %v", err)
	}
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid issue payload: %v", err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", jsonPath(fe.Namespace()), fe.Tag()))
		}
		return fmt.Errorf("invalid issue payload: %s", strings.Join(fields, ", "))
	}
	return nil
}

// jsonPath drops the root struct name from a validator namespace, leaving
// the payload path, e.g. "issue.number".
func jsonPath(ns string) string {
	_, path, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return path
}
