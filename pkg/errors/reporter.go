package errors

import (
	"context"
	goerrors "errors"
	"log/slog"

	"github.com/armorclaw/wsbridge/pkg/logger"
)

// Reporter is the single sink for local diagnostics. It logs through the
// structured logger, rate-limits repeats per code and persists to an
// optional Store. A nil *Reporter logs through the global logger.
type Reporter struct {
	log      *logger.Logger
	sampling *SamplingRegistry
	store    *Store
}

// ReporterConfig configures a Reporter
type ReporterConfig struct {
	Logger   *logger.Logger
	Sampling *SamplingRegistry
	Store    *Store
}

// NewReporter creates a diagnostics reporter
func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	if cfg.Sampling == nil {
		cfg.Sampling = NewSamplingRegistry(DefaultSamplingConfig())
	}
	return &Reporter{
		log:      cfg.Logger.WithComponent("diagnostics"),
		sampling: cfg.Sampling,
		store:    cfg.Store,
	}
}

// Report records err and returns it as a *TracedError. Errors that are not
// already traced are wrapped as SYS-001.
func (r *Reporter) Report(ctx context.Context, err error) *TracedError {
	if err == nil {
		return nil
	}

	var te *TracedError
	if !goerrors.As(err, &te) {
		te = Wrap("SYS-001", err)
	}

	if r == nil {
		logger.Global().Warn("diagnostic", "code", te.Code, "error", te.Error())
		return te
	}

	if !r.sampling.ShouldReport(te) {
		r.log.Debug("diagnostic suppressed", "code", te.Code, "trace_id", te.TraceID)
		return te
	}

	attrs := []slog.Attr{
		slog.String("code", te.Code),
		slog.String("category", te.Category),
		slog.String("trace_id", te.TraceID),
		slog.String("error", te.Error()),
	}
	if te.Function != "" {
		attrs = append(attrs, slog.String("function", te.Function))
	}
	if len(te.Inputs) > 0 {
		attrs = append(attrs, slog.Any("inputs", te.Inputs))
	}
	if te.RepeatCount > 0 {
		attrs = append(attrs, slog.Int("repeat_count", te.RepeatCount))
	}
	if te.Severity == SeverityCritical {
		attrs = append(attrs, slog.String("summary", te.FormatSummary()))
	}

	level := slog.LevelWarn
	if te.Severity != SeverityWarning {
		level = slog.LevelError
	}
	r.log.LogAttrs(ctx, level, "diagnostic", attrs...)

	if r.store != nil {
		if serr := r.store.Save(ctx, te); serr != nil {
			r.log.Warn("failed to persist diagnostic", "code", te.Code, "error", serr)
		}
	}

	return te
}

// Sampling returns the reporter's sampling registry
func (r *Reporter) Sampling() *SamplingRegistry {
	if r == nil {
		return nil
	}
	return r.sampling
}
