package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/erpsync/internal/sysinfo"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
)

// SourceHealth is the probe result of one source type.
type SourceHealth struct {
	SourceType  source.Type `json:"source_type"`
	Healthy     bool        `json:"healthy"`
	Credentials *bool       `json:"credentials_valid,omitempty"`
	LatencyMS   int64       `json:"latency_ms"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   source.Kind `json:"error_kind,omitempty"`
}

// HealthReport is the outcome of a health check.
type HealthReport struct {
	CheckedAt time.Time       `json:"checked_at"`
	Sources   []SourceHealth  `json:"sources"`
	Memory    *sysinfo.Memory `json:"memory,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Healthy reports whether every source answered its probe.
func (r *HealthReport) Healthy() bool {
	return len(r.Unhealthy()) == 0
}

// Unhealthy lists the source types whose probe failed.
func (r *HealthReport) Unhealthy() []source.Type {
	var out []source.Type
	for _, s := range r.Sources {
		if !s.Healthy {
			out = append(out, s.SourceType)
		}
	}
	return out
}

// Summary renders the report as one line.
func (r *HealthReport) Summary() string {
	healthy := len(r.Sources) - len(r.Unhealthy())
	s := fmt.Sprintf("%d/%d sources healthy", healthy, len(r.Sources))
	if r.Memory != nil {
		s += fmt.Sprintf(", memory %.1f%% of %.1f GB", r.Memory.Percent, r.Memory.TotalGB)
	}
	return s
}

// memoryWarnPercent is the host memory use reported as a warning.
const memoryWarnPercent = 90

// Health probes every registered source in turn and samples host memory.
// A failed memory read is a warning, never a failure.
func (e *Engine) Health(ctx context.Context) *HealthReport {
	rep := &HealthReport{CheckedAt: e.now()}
	log := logger.FromContext(ctx, e.logger)

	for _, st := range e.coord.SourceTypes() {
		rep.Sources = append(rep.Sources, e.probe(ctx, st))
	}

	if mem, err := sysinfo.ReadMemory(); err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("memory: %v", err))
	} else {
		rep.Memory = &mem
		if mem.Pressure(memoryWarnPercent) {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("host memory at %.1f%%", mem.Percent))
		}
	}

	if rep.Healthy() {
		log.Infow("Health check passed", "summary", rep.Summary())
	} else {
		log.Warnw("Health check found unhealthy sources",
			"unhealthy", rep.Unhealthy(),
			"summary", rep.Summary(),
		)
	}
	return rep
}

func (e *Engine) probe(ctx context.Context, st source.Type) SourceHealth {
	h := SourceHealth{SourceType: st}
	started := time.Now()

	ok, err := e.coord.TestConnection(ctx, st)
	h.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		h.Error = err.Error()
		h.ErrorKind = source.Classify(err)
		return h
	}
	if !ok {
		h.Error = "connection test failed"
		return h
	}
	h.Healthy = true

	valid, err := e.coord.ValidateCredentials(ctx, st)
	if err == nil {
		h.Credentials = &valid
		if !valid {
			h.Healthy = false
			h.Error = "credentials rejected"
			h.ErrorKind = source.KindAuthentication
		}
	}
	return h
}
