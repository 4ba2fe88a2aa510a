// Package runtime wires the intake queue, decision engine, responder,
// context store, scheduler and channel adapters into one running pipeline.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/emberflow/ember/internal/bus"
	"github.com/emberflow/ember/internal/channels"
	"github.com/emberflow/ember/internal/config"
	"github.com/emberflow/ember/internal/convo"
	"github.com/emberflow/ember/internal/decision"
	"github.com/emberflow/ember/internal/emotion"
	"github.com/emberflow/ember/internal/intake"
	"github.com/emberflow/ember/internal/persona"
	"github.com/emberflow/ember/internal/proactive"
	"github.com/emberflow/ember/internal/responder"
	"github.com/emberflow/ember/internal/structured"
)

// ChannelGateway is the outbound slice of the channel layer the pipeline
// needs. *channels.Manager satisfies it.
type ChannelGateway interface {
	Send(ctx context.Context, msg bus.Outbound) error
	Typing(ctx context.Context, conversationKey string)
}

// Options carries the pipeline's collaborators. Manager is optional; when set
// the pipeline owns its lifecycle in Run.
type Options struct {
	Config    config.Config
	Contexts  *convo.Store
	Engine    *decision.Engine
	Generator *responder.Generator
	Personas  *persona.Provider
	Scheduler *proactive.Scheduler
	Gateway   ChannelGateway
	Manager   *channels.Manager
	Emotions  EmotionState
}

// Pipeline consumes channel events and turns them into replies: intake
// batching, two-stage decision, generation, segment delivery, proactive
// scheduling.
type Pipeline struct {
	cfg       config.Config
	contexts  *convo.Store
	engine    *decision.Engine
	generator *responder.Generator
	personas  *persona.Provider
	scheduler *proactive.Scheduler
	gateway   ChannelGateway
	manager   *channels.Manager
	emotions  EmotionState
	queue     *intake.Queue
	poller    *proactive.Poller
	tracer    trace.Tracer

	events   chan bus.Inbound
	limiters sync.Map // conversation key → *rate.Limiter

	// sleep paces segment delivery; replaced in tests.
	sleep func(time.Duration)
}

func New(opts Options) *Pipeline {
	if opts.Emotions == nil {
		opts.Emotions = NewMemoryEmotion()
	}
	p := &Pipeline{
		cfg:       opts.Config,
		contexts:  opts.Contexts,
		engine:    opts.Engine,
		generator: opts.Generator,
		personas:  opts.Personas,
		scheduler: opts.Scheduler,
		gateway:   opts.Gateway,
		manager:   opts.Manager,
		emotions:  opts.Emotions,
		tracer:    otel.Tracer("ember/runtime"),
		events:    make(chan bus.Inbound, 256),
		sleep:     time.Sleep,
	}
	p.queue = intake.NewQueue(intakeConfig(opts.Config.Intake), p.handleFlush)
	if opts.Scheduler != nil {
		interval := time.Duration(opts.Config.Proactive.PollIntervalS) * time.Second
		p.poller = proactive.NewPoller(opts.Scheduler, p, interval)
	}
	return p
}

func intakeConfig(c config.IntakeConfig) intake.Config {
	return intake.Config{
		BufferSize: c.BufferSize,
		BaseWindow: time.Duration(c.BaseWindowMs) * time.Millisecond,
		MaxWindow:  time.Duration(c.MaxWindowMs) * time.Millisecond,
		Backoff:    c.Backoff,
	}
}

// HandleInbound enqueues one adapter event. Never blocks the adapter's event
// loop; when the pipeline is saturated the event is dropped with a warning.
func (p *Pipeline) HandleInbound(ev bus.Inbound) {
	select {
	case p.events <- ev:
	default:
		slog.Warn("event queue full, dropping message",
			"conversation", ev.ConversationKey, "message_id", ev.MessageID)
	}
}

// Run starts the channel adapters, the intake worker and the proactive
// poller, then blocks until ctx is cancelled. Shutdown order: stop adapters,
// flush pending batches, stop the poller.
func (p *Pipeline) Run(ctx context.Context) error {
	go p.consume(ctx)

	if p.manager != nil {
		if err := p.manager.StartAll(ctx); err != nil {
			return fmt.Errorf("start channels: %w", err)
		}
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	defer stopPoll()
	if p.poller != nil {
		go p.poller.Run(pollCtx)
	}

	<-ctx.Done()
	slog.Info("shutting down pipeline")

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if p.manager != nil {
		p.manager.StopAll(shutCtx)
	}
	if err := p.queue.FlushAll(shutCtx); err != nil {
		slog.Warn("flush on shutdown failed", "error", err)
	}
	stopPoll()
	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.ingest(ctx, ev)
		}
	}
}

// ingest records the message in the context store and buffers it for
// batching. A failed persist still buffers the message so the conversation
// does not go silent over a transient store error.
func (p *Pipeline) ingest(ctx context.Context, ev bus.Inbound) {
	msg := messageFromInbound(ev)
	if err := p.contexts.Update(ctx, msg.ConversationKey, msg.ParentKey, []convo.Message{msg}); err != nil {
		slog.Warn("context update failed", "conversation", msg.ConversationKey, "error", err)
	}
	p.queue.Add(msg)
}

func messageFromInbound(ev bus.Inbound) convo.Message {
	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := ev.CreatedAt
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}
	return convo.Message{
		ID:               id,
		ConversationKey:  ev.ConversationKey,
		ParentKey:        ev.ParentKey,
		AuthorID:         ev.AuthorID,
		AuthorName:       ev.AuthorName,
		Content:          ev.Content,
		CreatedAt:        createdAt,
		MentionsBot:      ev.MentionsBot,
		MentionedUserIDs: ev.MentionedUserIDs,
		ReplyToID:        ev.ReplyToID,
		ReplyToBot:       ev.ReplyToBot,
	}
}

// handleFlush is the intake callback: score the batch, branch on the
// aggregated outcome, reply when warranted.
func (p *Pipeline) handleFlush(key string, batch []convo.Message) error {
	ctx, span := p.tracer.Start(context.Background(), "pipeline.flush",
		trace.WithAttributes(
			attribute.String("conversation", key),
			attribute.Int("batch_size", len(batch)),
		))
	defer span.End()

	ps := p.personas.Get("")
	results := p.engine.Score(batch)
	outcome, targetID := p.engine.Aggregate(results)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	slog.Debug("batch decided", "conversation", key, "outcome", outcome, "target", targetID)

	switch outcome {
	case decision.Discard:
		return nil
	case decision.Respond:
		return p.respond(ctx, key, batch, ps, targetID)
	default:
		return p.evaluate(ctx, key, batch, ps)
	}
}

func (p *Pipeline) evaluate(ctx context.Context, key string, batch []convo.Message, ps persona.Persona) error {
	if !p.allow(key) {
		slog.Warn("rate limited, skipping evaluation", "conversation", key)
		return nil
	}

	responsiveness := p.personas.ResponsivenessFor(key, ps)
	snap := p.snapshotFor(ctx, key, batch)
	ev, err := p.engine.Evaluate(ctx, key, batch, ps, responsiveness, snap)
	if err != nil {
		slog.Warn("evaluation failed", "conversation", key, "error", err)
		if p.cfg.Decision.RespondOnEvaluatorFailure {
			return p.respond(ctx, key, batch, ps, "")
		}
		return nil
	}

	p.applyDirectives(ctx, key, ps, ev.EmotionDeltas, ev.ProactiveDirectives, ev.CancelScheduleIDs)
	if !ev.ShouldRespond {
		return nil
	}
	return p.respond(ctx, key, batch, ps, ev.TargetMessageID)
}

func (p *Pipeline) respond(ctx context.Context, key string, batch []convo.Message, ps persona.Persona, targetID string) error {
	if !p.allow(key) {
		slog.Warn("rate limited, skipping reply", "conversation", key)
		return nil
	}

	var target *convo.Message
	if targetID != "" {
		for i := range batch {
			if batch[i].ID == targetID {
				target = &batch[i]
				break
			}
		}
	}

	p.gateway.Typing(ctx, key)
	res, err := p.generator.Generate(ctx, responder.Input{
		ConversationKey: key,
		Persona:         ps,
		Target:          target,
		Emotion:         p.snapshotFor(ctx, key, batch),
	})
	if err != nil {
		return fmt.Errorf("generate reply for %s: %w", key, err)
	}
	if res == nil || len(res.Segments) == 0 {
		return nil
	}

	if err := p.deliver(ctx, key, ps, res.Segments, parentOf(batch)); err != nil {
		return err
	}
	if target != nil {
		p.contexts.MarkResponded(ctx, key, target.ID)
	}
	p.applyDirectives(ctx, key, ps, res.EmotionDeltas, res.ProactiveDirectives, res.CancelScheduleIDs)
	return nil
}

// deliver sends the typing burst segment by segment, then records the whole
// reply as one bot message in the context store.
func (p *Pipeline) deliver(ctx context.Context, key string, ps persona.Persona, segments []structured.Segment, parentKey string) error {
	name, _, err := channels.SplitKey(key)
	if err != nil {
		return err
	}

	var full string
	for i, seg := range segments {
		if seg.DelayMs > 0 {
			p.sleep(time.Duration(seg.DelayMs) * time.Millisecond)
		}
		if err := p.gateway.Send(ctx, bus.Outbound{
			Channel:         name,
			ConversationKey: key,
			Content:         seg.Content,
		}); err != nil {
			return fmt.Errorf("send segment %d to %s: %w", i+1, key, err)
		}
		if full != "" {
			full += "\n"
		}
		full += seg.Content
	}

	bot := convo.Message{
		ID:              uuid.NewString(),
		ConversationKey: key,
		ParentKey:       parentKey,
		AuthorID:        ps.ID,
		AuthorName:      ps.Name,
		Content:         full,
		CreatedAt:       time.Now().UnixMilli(),
		FromBot:         true,
	}
	if err := p.contexts.Update(ctx, key, parentKey, []convo.Message{bot}); err != nil {
		slog.Warn("reply not recorded in context", "conversation", key, "error", err)
	}
	return nil
}

// applyDirectives settles the side effects a model attached to its output:
// emotion adjustments, new proactive schedules, cancellations.
func (p *Pipeline) applyDirectives(ctx context.Context, key string, ps persona.Persona, deltas []emotion.Delta, directives []proactive.Directive, cancelIDs []string) {
	p.emotions.Apply(ctx, key, deltas)

	if p.scheduler == nil {
		if len(directives) > 0 || len(cancelIDs) > 0 {
			slog.Warn("proactive directives ignored, no scheduler wired", "conversation", key)
		}
		return
	}
	for _, d := range directives {
		_, err := p.scheduler.Schedule(ctx, proactive.ScheduleRequest{
			ConversationKey: key,
			PersonaID:       ps.ID,
			Content:         d.Content,
			ScheduledAt:     d.SendAtMs,
			Reason:          d.Reason,
			Recur:           d.Recur,
		})
		switch {
		case errors.Is(err, proactive.ErrPendingCapExceeded):
			slog.Debug("proactive directive dropped at cap", "conversation", key)
		case err != nil:
			slog.Warn("proactive schedule failed", "conversation", key, "error", err)
		}
	}
	if len(cancelIDs) > 0 {
		if err := p.scheduler.Cancel(ctx, cancelIDs); err != nil {
			slog.Warn("proactive cancel failed", "conversation", key, "ids", cancelIDs, "error", err)
		}
	}
}

// snapshotFor returns the emotion snapshot of the newest human author in the
// batch, the user the reply is most likely aimed at.
func (p *Pipeline) snapshotFor(ctx context.Context, key string, batch []convo.Message) *emotion.Snapshot {
	for i := len(batch) - 1; i >= 0; i-- {
		if !batch[i].FromBot {
			return p.emotions.Snapshot(ctx, key, batch[i].AuthorID)
		}
	}
	return nil
}

func parentOf(batch []convo.Message) string {
	for _, m := range batch {
		if m.ParentKey != "" {
			return m.ParentKey
		}
	}
	return ""
}

// allow consumes one token from the conversation's model-call limiter. A
// non-positive configured rate disables limiting.
func (p *Pipeline) allow(key string) bool {
	perMin := p.cfg.RateLimit.PerConversationPerMinute
	if perMin <= 0 {
		return true
	}
	burst := p.cfg.RateLimit.Burst
	if burst < 1 {
		burst = 1
	}
	v, _ := p.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(perMin/60.0), burst))
	return v.(*rate.Limiter).Allow()
}

// SendProactive delivers a due scheduled message and records it in the
// conversation context. Implements proactive.Sender.
func (p *Pipeline) SendProactive(ctx context.Context, m proactive.Message) error {
	name, _, err := channels.SplitKey(m.ConversationKey)
	if err != nil {
		return err
	}
	if err := p.gateway.Send(ctx, bus.Outbound{
		Channel:         name,
		ConversationKey: m.ConversationKey,
		Content:         m.Content,
	}); err != nil {
		return fmt.Errorf("send proactive %s: %w", m.PublicID, err)
	}

	ps := p.personas.Get(m.PersonaID)
	bot := convo.Message{
		ID:              uuid.NewString(),
		ConversationKey: m.ConversationKey,
		AuthorID:        ps.ID,
		AuthorName:      ps.Name,
		Content:         m.Content,
		CreatedAt:       time.Now().UnixMilli(),
		FromBot:         true,
	}
	if err := p.contexts.Update(ctx, m.ConversationKey, "", []convo.Message{bot}); err != nil {
		slog.Warn("proactive reply not recorded in context", "conversation", m.ConversationKey, "error", err)
	}
	return nil
}
