// Package session wires the dashboard's reactions to the KPI notification
// channel: request a snapshot on connect, ask for the status of started
// tasks, and render every kpi_data payload into the container.
package session

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NikosSpanos/health-monitoring-app/internal/events"
	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
	"github.com/NikosSpanos/health-monitoring-app/internal/metrics"
	"github.com/NikosSpanos/health-monitoring-app/internal/render"
)

// Task states reported in task_status events.
const (
	StatusPending = "Pending"
)

// NoteTaskFailed is shown on the container when the backend reports a
// failed KPI computation.
const NoteTaskFailed = "KPI computation failed; showing previous data"

// Saver persists the last rendered snapshot.
type Saver interface {
	Save(devices []kpi.DeviceKPI) error
}

// Options configures a Handler. The zero value is the log-only behaviour:
// Pending statuses are logged and nothing is re-polled.
type Options struct {
	// PollInterval > 0 re-emits check_task_status after each Pending
	// status, up to MaxPolls times per task.
	PollInterval time.Duration
	MaxPolls     int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Saver   Saver
}

// Handler holds the per-connection state behind the registered handlers.
type Handler struct {
	src       events.Source
	container *render.Container
	opts      Options
	log       *slog.Logger

	mu        sync.Mutex
	taskID    string
	polls     int
	pollTimer *time.Timer
	last      []kpi.DeviceKPI
	closed    bool
}

type taskStartedPayload struct {
	TaskID string `json:"task_id"`
}

type taskStatusPayload struct {
	Status string `json:"status"`
}

// Register attaches the dashboard handlers to src, rendering into c.
func Register(src events.Source, c *render.Container, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		src:       src,
		container: c,
		opts:      opts,
		log:       log.With("component", "session", "container", c.ID()),
	}

	src.On(events.Connect, h.onConnect)
	src.On(events.Disconnect, h.onDisconnect)
	src.On(events.TaskStarted, h.onTaskStarted)
	src.On(events.TaskStatus, h.onTaskStatus)
	src.On(events.KPIData, h.onKPIData)
	return h
}

// Snapshot returns the last successfully decoded kpi_data payload.
func (h *Handler) Snapshot() []kpi.DeviceKPI {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Restore renders a previously saved snapshot and marks it stale until live
// data replaces it.
func (h *Handler) Restore(devices []kpi.DeviceKPI) error {
	if err := render.Render(h.container, devices); err != nil {
		return err
	}
	h.container.MarkStale(true)

	h.mu.Lock()
	h.last = devices
	h.mu.Unlock()
	return nil
}

// Close stops any pending status poll. Events arriving afterwards are
// ignored.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.stopPollLocked()
}

func (h *Handler) onConnect(json.RawMessage) {
	if h.isClosed() {
		return
	}
	h.log.Info("connected, requesting kpi snapshot")
	h.emit(events.FetchKPIs, nil)
}

func (h *Handler) onDisconnect(payload json.RawMessage) {
	if h.isClosed() {
		return
	}
	var p events.DisconnectPayload
	_ = json.Unmarshal(payload, &p)
	h.log.Warn("disconnected from kpi channel", "error", p.Error)

	h.mu.Lock()
	h.stopPollLocked()
	h.mu.Unlock()
	h.container.MarkStale(true)
}

func (h *Handler) onTaskStarted(payload json.RawMessage) {
	if h.isClosed() {
		return
	}
	var p taskStartedPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TaskID == "" {
		h.log.Warn("task_started without task_id", "payload", string(payload))
		return
	}

	h.mu.Lock()
	h.stopPollLocked()
	h.taskID = p.TaskID
	h.polls = 0
	h.mu.Unlock()

	h.log.Info("kpi task started", "task_id", p.TaskID)
	h.emit(events.CheckTaskStatus, p.TaskID)
}

func (h *Handler) onTaskStatus(payload json.RawMessage) {
	if h.isClosed() {
		return
	}
	var p taskStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.log.Warn("unreadable task_status", "error", err)
		return
	}

	switch classify(p.Status) {
	case statePending:
		h.log.Info("task still in progress", "task_id", h.currentTask(), "status", p.Status)
		h.schedulePoll()
	case stateSucceeded:
		h.log.Info("task finished", "task_id", h.currentTask())
		h.finishTask()
	case stateFailed:
		h.log.Error("task failed", "task_id", h.currentTask(), "status", p.Status)
		h.finishTask()
		h.container.SetNote(NoteTaskFailed)
	default:
		h.log.Debug("ignoring task status", "status", p.Status)
	}
}

func (h *Handler) onKPIData(payload json.RawMessage) {
	if h.isClosed() {
		return
	}
	devices, err := kpi.Decode(payload)
	if err != nil {
		h.log.Warn("rejecting kpi_data", "error", err)
		h.opts.Metrics.PayloadRejected()
		return
	}
	if err := render.Render(h.container, devices); err != nil {
		h.log.Error("render failed", "error", err)
		return
	}
	h.opts.Metrics.RenderCompleted(len(devices))
	h.log.Debug("rendered kpi tables", "devices", len(devices), "version", h.container.Version())

	h.finishTask()
	h.mu.Lock()
	h.last = devices
	h.mu.Unlock()

	if h.opts.Saver != nil {
		if err := h.opts.Saver.Save(devices); err != nil {
			h.log.Warn("saving snapshot", "error", err)
		}
	}
}

// schedulePoll re-checks the current task after PollInterval while the
// per-task budget lasts.
func (h *Handler) schedulePoll() {
	if h.opts.PollInterval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.taskID == "" || h.pollTimer != nil {
		return
	}
	if h.opts.MaxPolls > 0 && h.polls >= h.opts.MaxPolls {
		h.log.Warn("giving up polling task status", "task_id", h.taskID, "polls", h.polls)
		return
	}
	h.polls++
	taskID := h.taskID
	h.pollTimer = time.AfterFunc(h.opts.PollInterval, func() {
		h.mu.Lock()
		if h.closed || h.taskID != taskID {
			h.mu.Unlock()
			return
		}
		h.pollTimer = nil
		h.mu.Unlock()
		h.emit(events.CheckTaskStatus, taskID)
	})
}

func (h *Handler) finishTask() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopPollLocked()
	h.taskID = ""
	h.polls = 0
}

func (h *Handler) stopPollLocked() {
	if h.pollTimer != nil {
		h.pollTimer.Stop()
		h.pollTimer = nil
	}
}

func (h *Handler) currentTask() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.taskID
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) emit(event string, payload any) {
	if err := h.src.Emit(event, payload); err != nil {
		h.log.Warn("emit failed", "event", event, "error", err)
	}
}

type taskState int

const (
	stateOther taskState = iota
	statePending
	stateSucceeded
	stateFailed
)

// classify maps the backend's status strings. "Pending" is the only value
// the dashboard backend sends today; the rest are the task queue's terminal
// state names.
func classify(status string) taskState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending":
		return statePending
	case "success", "succeeded", "done":
		return stateSucceeded
	case "failure", "failed", "revoked":
		return stateFailed
	default:
		return stateOther
	}
}
