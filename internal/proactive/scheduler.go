// Package proactive tracks self-initiated messages a persona wants to send
// later. It owns the per-conversation pending cap and the status state
// machine; delivery is the poller's job.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// MaxPendingPerConversation bounds how many scheduled rows one conversation
// may hold at a time.
const MaxPendingPerConversation = 2

// ErrPendingCapExceeded rejects a Schedule call for a conversation already at
// the pending cap.
var ErrPendingCapExceeded = errors.New("pending proactive message cap exceeded")

// ErrNotFound reports an unknown public id.
var ErrNotFound = errors.New("proactive message not found")

// RowStore is the durable storage the scheduler drives. Rows are keyed by
// public id once assigned; Insert returns the internal rowid the public id is
// derived from.
type RowStore interface {
	Insert(ctx context.Context, m Message) (rowID int64, err error)
	SetPublicID(ctx context.Context, rowID int64, publicID string) error
	Get(ctx context.Context, publicID string) (*Message, error)
	CountPending(ctx context.Context, conversationKey string) (int, error)
	ListDue(ctx context.Context, now int64) ([]Message, error)
	ListPending(ctx context.Context, conversationKey string) ([]Message, error)
	UpdateStatus(ctx context.Context, publicID string, status Status) error
	Update(ctx context.Context, m Message) error
}

// PublicID derives the short stable id for a row: base-36 rowid, lower-case,
// zero-padded to width 6. Short and collision-free without a second id
// generator.
func PublicID(rowID int64) string {
	s := strings.ToLower(strconv.FormatInt(rowID, 36))
	if len(s) < 6 {
		s = strings.Repeat("0", 6-len(s)) + s
	}
	return s
}

// ScheduleRequest is one Schedule call.
type ScheduleRequest struct {
	ConversationKey string
	PersonaID       string
	Content         string
	ScheduledAt     int64 // unix milliseconds
	Reason          string
	Recur           string // cron spec, empty = one-shot
	Metadata        map[string]string
}

type Scheduler struct {
	rows RowStore
	now  func() time.Time
}

func NewScheduler(rows RowStore) *Scheduler {
	return &Scheduler{rows: rows, now: time.Now}
}

// Schedule inserts a new scheduled message. Rejected when the conversation is
// at the pending cap, the time is not positive, or the recur spec is invalid.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*Message, error) {
	if req.ConversationKey == "" || strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("schedule: conversation key and content are required")
	}
	if req.ScheduledAt <= 0 {
		return nil, fmt.Errorf("schedule: invalid scheduled time %d", req.ScheduledAt)
	}
	if req.Recur != "" && !gronx.IsValid(req.Recur) {
		return nil, fmt.Errorf("schedule: invalid cron spec %q", req.Recur)
	}

	pending, err := s.rows.CountPending(ctx, req.ConversationKey)
	if err != nil {
		return nil, fmt.Errorf("count pending for %s: %w", req.ConversationKey, err)
	}
	if pending >= MaxPendingPerConversation {
		return nil, fmt.Errorf("%w: %s has %d scheduled", ErrPendingCapExceeded, req.ConversationKey, pending)
	}

	m := Message{
		PublicID:        "pending", // placeholder until the rowid exists
		ConversationKey: req.ConversationKey,
		PersonaID:       req.PersonaID,
		Content:         req.Content,
		ScheduledAt:     req.ScheduledAt,
		Status:          StatusScheduled,
		Reason:          req.Reason,
		Recur:           req.Recur,
		Metadata:        req.Metadata,
	}
	rowID, err := s.rows.Insert(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("insert proactive row: %w", err)
	}
	m.PublicID = PublicID(rowID)
	if err := s.rows.SetPublicID(ctx, rowID, m.PublicID); err != nil {
		return nil, fmt.Errorf("assign public id: %w", err)
	}

	slog.Info("proactive message scheduled",
		"id", m.PublicID,
		"conversation", m.ConversationKey,
		"at", time.UnixMilli(m.ScheduledAt),
		"recur", m.Recur)
	return &m, nil
}

// ListDue returns scheduled rows with scheduledAt at or before now, ordered
// by scheduled time. Delivery is the caller's responsibility.
func (s *Scheduler) ListDue(ctx context.Context, now time.Time) ([]Message, error) {
	return s.rows.ListDue(ctx, now.UnixMilli())
}

// ListPending returns the scheduled rows for one conversation.
func (s *Scheduler) ListPending(ctx context.Context, conversationKey string) ([]Message, error) {
	return s.rows.ListPending(ctx, conversationKey)
}

// MarkStatus moves a row to the given status. Transitions out of a terminal
// status are silent no-ops; unknown ids are errors.
func (s *Scheduler) MarkStatus(ctx context.Context, publicID string, status Status) error {
	m, err := s.rows.Get(ctx, publicID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if m.Status != StatusScheduled {
		slog.Debug("status change on terminal row ignored", "id", publicID, "status", m.Status)
		return nil
	}
	if status == m.Status {
		return nil
	}
	return s.rows.UpdateStatus(ctx, publicID, status)
}

// Cancel cancels the given ids. Unknown and already-terminal ids are skipped.
func (s *Scheduler) Cancel(ctx context.Context, publicIDs []string) error {
	for _, id := range publicIDs {
		m, err := s.rows.Get(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			slog.Debug("cancel of unknown proactive id ignored", "id", id)
			continue
		}
		if m.Status != StatusScheduled {
			continue
		}
		if err := s.rows.UpdateStatus(ctx, id, StatusCancelled); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		slog.Info("proactive message cancelled", "id", id, "conversation", m.ConversationKey)
	}
	return nil
}

// Reschedule updates time and optionally content/reason of a scheduled row in
// place. Terminal rows are no-ops.
func (s *Scheduler) Reschedule(ctx context.Context, publicID string, newTime int64, newContent, newReason string) error {
	if newTime <= 0 {
		return fmt.Errorf("reschedule %s: invalid time %d", publicID, newTime)
	}
	m, err := s.rows.Get(ctx, publicID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, publicID)
	}
	if m.Status != StatusScheduled {
		return nil
	}

	m.ScheduledAt = newTime
	if newContent != "" {
		m.Content = newContent
	}
	if newReason != "" {
		m.Reason = newReason
	}
	return s.rows.Update(ctx, *m)
}

// NextRecurrence computes the follow-up fire time for a sent recurring row.
func (s *Scheduler) NextRecurrence(m Message) (int64, error) {
	if m.Recur == "" {
		return 0, nil
	}
	next, err := gronx.NextTickAfter(m.Recur, s.now(), false)
	if err != nil {
		return 0, fmt.Errorf("next tick for %q: %w", m.Recur, err)
	}
	return next.UnixMilli(), nil
}
