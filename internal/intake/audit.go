package intake

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/taxintake/internal/observability"
	"github.com/pitabwire/taxintake/model"
)

// AuditLogger receives the answer changes of a profile update. Record must
// not block the caller and never fails.
type AuditLogger interface {
	Record(ctx context.Context, clientID string, diffs []model.FieldDiff)
}

// ZapAuditLogger writes audit records to a dedicated zap logger. Values of
// sensitive answer keys are redacted.
type ZapAuditLogger struct {
	logger          *zap.Logger
	sensitiveFields []string
}

// NewZapAuditLogger creates an audit logger writing to logger under the
// "audit" name. sensitiveFields extends the default redaction list.
func NewZapAuditLogger(logger *zap.Logger, sensitiveFields ...string) *ZapAuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditLogger{logger: logger.Named("audit"), sensitiveFields: sensitiveFields}
}

// Record logs one entry per update with every changed field.
func (a *ZapAuditLogger) Record(ctx context.Context, clientID string, diffs []model.FieldDiff) {
	if len(diffs) == 0 {
		return
	}

	observability.RequestLogger(ctx, a.logger).Info("answers changed",
		zap.String("client_id", clientID),
		zap.Int("changed_fields", len(diffs)),
		zap.Any("changes", observability.AuditChanges(diffs, a.sensitiveFields)),
	)
}
