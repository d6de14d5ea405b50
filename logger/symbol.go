package logger

import "go.uber.org/zap"

// WithSymbol tags every entry of l with a segment symbol (see package sym).
// The symbol goes in a field rather than the message so logs can be
// filtered by segment:
//
//	logger.WithSymbol(log, sym.Sync).Infow("Sync completed", ...)
func WithSymbol(l *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	return l.With(FieldSymbol, symbol)
}
