// Package notification delivers bill commit events to the configured senders
// (structured log, AMQP queue, signed webhooks), keeps an in-memory history with retry, and
// exposes that history over Echo HTTP handlers.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Event Types
// ---------------------------------------------------------------------------

// EventType identifies what happened to a bill.
type EventType string

const (
	EventCommitSucceeded EventType = "bill.commit.succeeded"
	EventCommitFailed    EventType = "bill.commit.failed"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event is a single outbound notification about a bill commit.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	PatientID string     `json:"patient_id"`
	BillID    string     `json:"bill_id,omitempty"`
	Message   string     `json:"message"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`

	// indexes into Manager.senders still owed this event
	undelivered []int
}

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// Sender delivers an event through one channel.
type Sender interface {
	Send(ctx context.Context, e *Event) error
}

// LogSender writes events to the structured log.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, e *Event) error {
	ev := s.logger.Info()
	if e.Type == EventCommitFailed {
		ev = s.logger.Warn()
	}
	ev.Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("patient_id", e.PatientID).
		Str("bill_id", e.BillID).
		Msg(e.Message)
	return nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager fans events out to every sender and keeps their delivery state.
type Manager struct {
	senders []Sender
	logger  zerolog.Logger
	limit   int

	mu     sync.RWMutex
	events map[string]*Event
	order  []string
}

// DefaultHistoryLimit caps how many events the manager remembers.
const DefaultHistoryLimit = 1000

// NewManager constructs a Manager. At least one sender should be supplied.
func NewManager(logger zerolog.Logger, senders ...Sender) *Manager {
	return &Manager{
		senders: senders,
		logger:  logger,
		limit:   DefaultHistoryLimit,
		events:  make(map[string]*Event),
	}
}

// Notify assigns an ID and timestamps, delivers the event and records the
// outcome. The returned error is the first delivery failure, if any.
func (m *Manager) Notify(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()
	e.Status = StatusPending

	ev := &e
	err := m.deliver(ctx, ev, m.allSenders())

	m.mu.Lock()
	m.events[ev.ID] = ev
	m.order = append(m.order, ev.ID)
	if len(m.order) > m.limit {
		drop := m.order[0]
		m.order = m.order[1:]
		delete(m.events, drop)
	}
	m.mu.Unlock()

	return err
}

func (m *Manager) allSenders() []int {
	idx := make([]int, len(m.senders))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// deliver sends e through the senders at the given indexes and records which
// of them still have to receive it.
func (m *Manager) deliver(ctx context.Context, e *Event, targets []int) error {
	var firstErr error
	var failed []int
	for _, i := range targets {
		if err := m.senders[i].Send(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("event_id", e.ID).Int("sender", i).Msg("notification delivery failed")
			failed = append(failed, i)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.undelivered = failed
	if firstErr != nil {
		e.Status = StatusFailed
		e.Error = firstErr.Error()
		return firstErr
	}
	e.Status = StatusSent
	e.Error = ""
	sentAt := time.Now().UTC()
	e.SentAt = &sentAt
	return nil
}

// ErrNotFound is returned for unknown event IDs.
var ErrNotFound = errors.New("notification not found")

// Get retrieves an event by ID.
func (m *Manager) Get(_ context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

// List returns the newest events first, optionally restricted to a patient.
func (m *Manager) List(_ context.Context, patientID string, limit int) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		e := m.events[m.order[i]]
		if patientID != "" && e.PatientID != patientID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Retry re-delivers a failed event to the senders that failed it. Senders
// that already accepted the event do not see it again.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.events[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if e.Status != StatusFailed {
		status := e.Status
		m.mu.Unlock()
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	targets := e.undelivered
	e.Status = StatusPending
	m.mu.Unlock()

	return m.deliver(ctx, e, targets)
}

// Stats returns counts of events grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, e := range m.events {
		stats[e.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the notification history over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	e, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

// HandleList handles GET /notifications?patient_id=&limit=
func (h *Handler) HandleList(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	list := h.manager.List(c.Request().Context(), c.QueryParam("patient_id"), limit)
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
