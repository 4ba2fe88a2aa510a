package proactive

import (
	"context"
	"log/slog"
	"time"
)

// Sender delivers a due proactive message to its conversation.
type Sender interface {
	SendProactive(ctx context.Context, m Message) error
}

// Poller periodically drains due messages and delivers them. Delivery is
// best-effort: a failed send leaves the row scheduled so the next tick
// retries it.
type Poller struct {
	sched    *Scheduler
	sender   Sender
	interval time.Duration
}

func NewPoller(sched *Scheduler, sender Sender, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{sched: sched, sender: sender, interval: interval}
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick delivers everything currently due. A sent recurring row spawns a fresh
// row at its next cron fire time; the cap check is skipped indirectly because
// the sent row no longer counts as pending.
func (p *Poller) Tick(ctx context.Context) {
	due, err := p.sched.ListDue(ctx, time.Now())
	if err != nil {
		slog.Error("list due proactive messages failed", "error", err)
		return
	}

	for _, m := range due {
		if err := p.sender.SendProactive(ctx, m); err != nil {
			slog.Error("proactive send failed, will retry next tick",
				"id", m.PublicID, "conversation", m.ConversationKey, "error", err)
			continue
		}
		if err := p.sched.MarkStatus(ctx, m.PublicID, StatusSent); err != nil {
			slog.Error("mark sent failed", "id", m.PublicID, "error", err)
			continue
		}
		slog.Info("proactive message sent", "id", m.PublicID, "conversation", m.ConversationKey)

		if m.Recur == "" {
			continue
		}
		next, err := p.sched.NextRecurrence(m)
		if err != nil {
			slog.Error("recurrence computation failed", "id", m.PublicID, "error", err)
			continue
		}
		if _, err := p.sched.Schedule(ctx, ScheduleRequest{
			ConversationKey: m.ConversationKey,
			PersonaID:       m.PersonaID,
			Content:         m.Content,
			ScheduledAt:     next,
			Reason:          m.Reason,
			Recur:           m.Recur,
			Metadata:        m.Metadata,
		}); err != nil {
			slog.Error("reschedule recurring message failed", "id", m.PublicID, "error", err)
		}
	}
}
