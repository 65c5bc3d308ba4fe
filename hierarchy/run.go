package hierarchy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clickup-tracker/domain"
	"clickup-tracker/internal/timing"
)

const tracerName = "clickup-tracker/hierarchy"

// Mode names the kind of traversal a run performs.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeFiltered Mode = "filtered"
	ModeMetadata Mode = "metadata"
	ModeColors   Mode = "colors"
)

// run is the state of one aggregation: its color map, counters and logger.
// Nothing in it outlives the run.
type run struct {
	id      string
	mode    Mode
	factory *domain.Factory
	log     *log.Entry
	span    trace.Span
	start   time.Time

	requests       atomic.Int64
	retries        atomic.Int64
	failedBranches atomic.Int64
	orphans        atomic.Int64
	detached       atomic.Int64
}

func newRun(ctx context.Context, logger *log.Logger, mode Mode) (context.Context, *run) {
	id := uuid.NewString()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "hierarchy.Aggregator."+string(mode),
		trace.WithAttributes(
			attribute.String("hierarchy.run_id", id),
			attribute.String("hierarchy.mode", string(mode)),
		),
	)
	return ctx, &run{
		id:      id,
		mode:    mode,
		factory: domain.NewFactory(),
		log:     logger.WithFields(log.Fields{"run": id, "mode": string(mode)}),
		span:    span,
		start:   time.Now(),
	}
}

// finish logs the run summary and ends its span.
func (r *run) finish(forest []*domain.Node, err error) {
	counts := domain.CountKinds(forest)
	fields := log.Fields{
		"requests":        r.requests.Load(),
		"retries":         r.retries.Load(),
		"failed_branches": r.failedBranches.Load(),
		"orphans":         r.orphans.Load(),
		"detached":        r.detached.Load(),
		"spaces":          counts[domain.KindSpace],
		"folders":         counts[domain.KindFolder],
		"lists":           counts[domain.KindList],
		"tasks":           counts[domain.KindTask] + counts[domain.KindSubtask],
		"total_ms":        timing.Millis(time.Since(r.start)),
	}

	r.span.SetAttributes(
		attribute.Int64("hierarchy.requests", r.requests.Load()),
		attribute.Int64("hierarchy.failed_branches", r.failedBranches.Load()),
		attribute.Int64("hierarchy.orphans", r.orphans.Load()),
		attribute.Int("hierarchy.spaces", counts[domain.KindSpace]),
	)
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, "aggregation aborted")
		r.log.WithError(err).WithFields(fields).Error("hierarchy.run.metrics")
	} else {
		r.span.SetStatus(codes.Ok, "aggregation complete")
		r.log.WithFields(fields).Info("hierarchy.run.metrics")
	}
	r.span.End()
}
