package templates

import (
	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/observability"
)

// Reloader re-reads the template directories into a Registry. A failed
// reload keeps the previous template set.
type Reloader struct {
	registry  *Registry
	dirs      []string
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewReloader creates a Reloader. logger and metrics may be nil.
func NewReloader(registry *Registry, dirs []string, validator *Validator, logger *zap.Logger, metrics *observability.Metrics) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		registry:  registry,
		dirs:      dirs,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
	}
}

// Reload loads and validates the directories and swaps the registry on
// success.
func (r *Reloader) Reload() error {
	files, err := Load(r.dirs, r.validator)
	if err != nil {
		r.metrics.RecordTemplateReload("error")
		r.logger.Error("template reload failed", zap.Strings("dirs", r.dirs), zap.Error(err))
		return err
	}

	previous := r.registry.Checksum()
	r.registry.Replace(files)
	r.metrics.RecordTemplateReload("ok")
	r.metrics.SetTemplatesLoaded(r.registry.Count())
	r.logger.Info("templates loaded",
		zap.Int("files", len(files)),
		zap.Int("templates", r.registry.Count()),
		zap.String("checksum", r.registry.Checksum()),
		zap.Bool("changed", previous != r.registry.Checksum()),
	)
	return nil
}
