// Package downloads turns user intent (start a download, cancel one) into
// backend calls and queue mutations.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"modelq/internal/logging"
	"modelq/internal/notify"
	"modelq/internal/queue"
	"modelq/internal/transport"
)

const (
	defaultDownloadPath = "/workspace/models"

	messageStarted      = "Download started: %s"
	messageStartFailed  = "Failed to start download"
	messageCancelled    = "Download cancelled"
	messageCancelFailed = "Failed to cancel download"
)

var (
	// ErrInvalidDescriptor wraps validation failures.
	ErrInvalidDescriptor = errors.New("invalid download request")
	// ErrMissingTaskID is returned when the backend accepted a download but sent no task id.
	ErrMissingTaskID = errors.New("backend response missing taskId")
)

// Descriptor describes a download to start.
type Descriptor struct {
	Source    string `json:"source" validate:"required,oneof=civitai huggingface"`
	URL       string `json:"url" validate:"required,http_url"`
	ModelID   string `json:"model_id"`
	ModelName string `json:"name" validate:"required"`
	Path      string `json:"path"`
}

// Poster is the slice of the transport client the controller needs.
type Poster interface {
	Post(ctx context.Context, path string, body any, opts ...transport.RequestOption) (*transport.Response, error)
}

// Tasks is the slice of the queue store the controller mutates.
type Tasks interface {
	Insert(ctx context.Context, task queue.Task) error
	Remove(ctx context.Context, id string) (bool, error)
}

// PathSource resolves the stored download destination.
type PathSource interface {
	DownloadPath(ctx context.Context, fallback string) (string, error)
}

// Controller starts and cancels downloads.
type Controller struct {
	client      Poster
	tasks       Tasks
	sink        notify.Sink
	logger      *slog.Logger
	paths       PathSource
	defaultPath string
	validate    *validator.Validate
}

// Option customizes a Controller.
type Option func(*Controller)

// WithDownloadPath sets where the default destination comes from.
func WithDownloadPath(paths PathSource, fallback string) Option {
	return func(c *Controller) {
		c.paths = paths
		if fallback = strings.TrimSpace(fallback); fallback != "" {
			c.defaultPath = fallback
		}
	}
}

// New builds a controller.
func New(client Poster, tasks Tasks, sink notify.Sink, logger *slog.Logger, opts ...Option) *Controller {
	if sink == nil {
		sink = notify.Discard
	}
	c := &Controller{
		client:      client,
		tasks:       tasks,
		sink:        sink,
		logger:      logging.NewComponentLogger(logger, "downloads"),
		defaultPath: defaultDownloadPath,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Validate normalizes d in place and checks it.
func (c *Controller) Validate(d *Descriptor) error {
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	d.URL = strings.TrimSpace(d.URL)
	d.ModelID = strings.TrimSpace(d.ModelID)
	d.ModelName = strings.TrimSpace(d.ModelName)
	d.Path = strings.TrimSpace(d.Path)

	if err := c.validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			problems := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				problems = append(problems, describe(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(problems, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	if field == "modelname" {
		field = "name"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "http_url":
		return field + " must be an http(s) URL"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// Enqueue asks the backend to start d and tracks the returned task as
// queued. Transport failures were already reported by the transport and are
// returned without a second notification.
func (c *Controller) Enqueue(ctx context.Context, d Descriptor) (queue.Task, error) {
	if err := c.Validate(&d); err != nil {
		return queue.Task{}, err
	}
	if d.Path == "" {
		d.Path = c.resolvePath(ctx)
	}
	if d.ModelID == "" {
		d.ModelID = d.ModelName
	}

	resp, err := c.client.Post(ctx, "/api/download/"+url.PathEscape(d.Source), d)
	if err != nil {
		return queue.Task{}, fmt.Errorf("enqueue %s: %w", d.ModelName, err)
	}

	var accepted struct {
		TaskID string `json:"taskId"`
	}
	if err := resp.JSON(&accepted); err != nil || strings.TrimSpace(accepted.TaskID) == "" {
		c.logger.Warn("backend accepted download without task id",
			logging.Args(logging.String("model", d.ModelName), logging.String("body", string(resp.Body)))...)
		c.sink.Notify(notify.Error, messageStartFailed)
		return queue.Task{}, fmt.Errorf("enqueue %s: %w", d.ModelName, ErrMissingTaskID)
	}

	task := queue.Task{
		ID:        strings.TrimSpace(accepted.TaskID),
		ModelName: d.ModelName,
		Status:    queue.StatusQueued,
		Source:    d.Source,
	}
	if err := c.tasks.Insert(ctx, task); err != nil {
		return queue.Task{}, fmt.Errorf("track task %s: %w", task.ID, err)
	}
	c.logger.Info("download enqueued",
		logging.Args(logging.TaskID(task.ID), logging.String("model", task.ModelName), logging.String("source", d.Source))...)
	c.sink.Notify(notify.Info, fmt.Sprintf(messageStarted, task.ModelName))
	return task, nil
}

func (c *Controller) resolvePath(ctx context.Context) string {
	if c.paths == nil {
		return c.defaultPath
	}
	path, err := c.paths.DownloadPath(ctx, c.defaultPath)
	if err != nil {
		c.logger.Debug("download path lookup failed; using default", logging.Args(logging.Error(err))...)
		return c.defaultPath
	}
	return path
}

// Cancel asks the backend to stop a task and drops it locally on success.
// A failed cancel leaves the task in place, notifies once, and is not retried.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidDescriptor)
	}

	if _, err := c.client.Post(ctx, "/api/download/cancel/"+url.PathEscape(taskID), nil, transport.Silent()); err != nil {
		if ctx.Err() == nil {
			c.sink.Notify(notify.Error, messageCancelFailed)
		}
		c.logger.Warn("cancel failed", logging.Args(logging.TaskID(taskID), logging.Error(err))...)
		return fmt.Errorf("cancel %s: %w", taskID, err)
	}

	removed, err := c.tasks.Remove(ctx, taskID)
	c.sink.Notify(notify.Info, messageCancelled)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", taskID, err)
	}
	c.logger.Info("download cancelled", logging.Args(logging.TaskID(taskID), logging.Bool("tracked", removed))...)
	return nil
}
