package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope           = "teamsmirror/sync"
	spanMirror          = "sync.mirror"
	metricChannels      = "teamsmirror.sync.channels.listed"
	metricChannelMsgs   = "teamsmirror.sync.channel_messages.written"
	metricChats         = "teamsmirror.sync.chats.discovered"
	metricChatMsgs      = "teamsmirror.sync.chat_messages.written"
	metricChannelsSwept = "teamsmirror.sync.channels.swept"
	metricErrors        = "teamsmirror.sync.errors"
)

// Engine orchestrates the mirror lifecycle: a single pass via [Engine.RunOnce]
// or the polling daemon loop via [Engine.Run].
type Engine struct {
	reconciler   *Reconciler
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntChannels    metric.Int64Counter
	cntChannelMsgs metric.Int64Counter
	cntChats       metric.Int64Counter
	cntChatMsgs    metric.Int64Counter
	cntSwept       metric.Int64Counter
	cntErrors      metric.Int64Counter
}

// NewEngine creates an Engine around the given reconciler.
func NewEngine(reconciler *Reconciler, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler:   reconciler,
		pollInterval: pollInterval,
		log:          logger,

		tracer:         tracer,
		cntChannels:    mustCounter(metricChannels, "Number of channels in the remote listing"),
		cntChannelMsgs: mustCounter(metricChannelMsgs, "Number of channel messages written during sync"),
		cntChats:       mustCounter(metricChats, "Number of chats discovered during sync"),
		cntChatMsgs:    mustCounter(metricChatMsgs, "Number of chat messages written during sync"),
		cntSwept:       mustCounter(metricChannelsSwept, "Number of channels soft-deleted by the sweep"),
		cntErrors:      mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// mirror runs one full mirror pass, recording a trace span and metrics. Each
// pass carries a run id so its log lines can be correlated.
func (e *Engine) mirror(ctx context.Context) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanMirror)
	defer span.End()

	runID := uuid.NewString()
	log := e.log.With("run_id", runID)
	span.SetAttributes(attribute.String("sync.run_id", runID))

	started := time.Now()
	log.Info("mirror pass starting")

	stats, err := e.reconciler.Run(ctx)

	if stats.Channels > 0 {
		e.cntChannels.Add(ctx, int64(stats.Channels))
	}
	if stats.ChannelMessages > 0 {
		e.cntChannelMsgs.Add(ctx, int64(stats.ChannelMessages))
	}
	if stats.Chats > 0 {
		e.cntChats.Add(ctx, int64(stats.Chats))
	}
	if stats.ChatMessages > 0 {
		e.cntChatMsgs.Add(ctx, int64(stats.ChatMessages))
	}
	if stats.Deleted > 0 {
		e.cntSwept.Add(ctx, int64(stats.Deleted))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}

	span.SetAttributes(
		attribute.Int("sync.channels", stats.Channels),
		attribute.Int("sync.channel_messages", stats.ChannelMessages),
		attribute.Int("sync.chats", stats.Chats),
		attribute.Int("sync.chat_messages", stats.ChatMessages),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
		log.Error("mirror pass finished with errors", "error", err, "duration", time.Since(started))
	} else {
		log.Info("mirror pass finished",
			"channels", stats.Channels,
			"channel_messages", stats.ChannelMessages,
			"chats", stats.Chats,
			"chat_messages", stats.ChatMessages,
			"deleted", stats.Deleted,
			"duration", time.Since(started),
		)
	}
	return stats, err
}

// RunOnce performs a single mirror pass and returns.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	return e.mirror(ctx)
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if _, err := e.mirror(ctx); err != nil {
		e.log.Error("initial mirror pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.mirror(ctx); err != nil {
				e.log.Error("mirror pass failed", "error", err)
			}
		}
	}
}
