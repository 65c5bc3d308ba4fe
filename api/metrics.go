package api

import (
	"time"

	log "github.com/sirupsen/logrus"

	"clickup-tracker/internal/timing"
)

type requestMetrics struct {
	logger         *log.Logger
	route          string
	start          time.Time
	fetchDuration  time.Duration
	encodeDuration time.Duration
	cached         bool
	nodesReturned  int
	errorStage     string
}

func newRequestMetrics(logger *log.Logger, route string) *requestMetrics {
	return &requestMetrics{
		logger: logger,
		route:  route,
		start:  time.Now(),
	}
}

func (m *requestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *requestMetrics) SetCached(cached bool) {
	m.cached = cached
}

func (m *requestMetrics) SetNodesReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.nodesReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":          m.route,
		"status":         status,
		"total_ms":       timing.Millis(time.Since(m.start)),
		"cached":         m.cached,
		"nodes_returned": m.nodesReturned,
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = timing.Millis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = timing.Millis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("hierarchy.request.metrics")
}
