package network

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/session"
)

// LoggingLedger is the default session.Ledger: it has no wallet
// behind it, so it just logs every address-status notification. The
// real ledger/wallet collaborator is out of this module's scope;
// callers that have one should implement session.Ledger directly
// instead of using this type.
type LoggingLedger struct {
	logger *zap.Logger
}

// NewLoggingLedger constructs a Ledger that only logs notifications.
func NewLoggingLedger(logger *zap.Logger) *LoggingLedger {
	return &LoggingLedger{logger: logger}
}

// ProcessStatusUpdate implements session.Ledger.
func (l *LoggingLedger) ProcessStatusUpdate(s *session.Session, args json.RawMessage) {
	if l.logger == nil {
		return
	}
	l.logger.Debug("address status update",
		zap.Stringer("server", s.Server),
		zap.ByteString("args", args),
	)
}
