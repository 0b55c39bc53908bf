package temporal

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// ZapAdapter routes Temporal SDK logs into zap.
type ZapAdapter struct{ s *zap.SugaredLogger }

var (
	_ log.Logger     = (*ZapAdapter)(nil)
	_ log.WithLogger = (*ZapAdapter)(nil)
)

// NewZapAdapter wraps logger; the SDK passes key/value pairs so the sugared API is used.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{s: logger.Named("temporal").Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (z *ZapAdapter) With(keyvals ...interface{}) log.Logger {
	return &ZapAdapter{s: z.s.With(keyvals...)}
}
