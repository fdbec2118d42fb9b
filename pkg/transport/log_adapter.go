package transport

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// ZapLoggerAdapter 把watermill日志接到zap上
type ZapLoggerAdapter struct {
	log *zap.Logger
}

// NewZapLoggerAdapter 创建日志适配器
func NewZapLoggerAdapter(log *zap.Logger) watermill.LoggerAdapter {
	return &ZapLoggerAdapter{log: log}
}

// Error 实现watermill.LoggerAdapter
func (a *ZapLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(toZapFields(fields), zap.Error(err))...)
}

// Info watermill的Info日志量较大，按Debug输出
func (a *ZapLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZapFields(fields)...)
}

// Debug 实现watermill.LoggerAdapter
func (a *ZapLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZapFields(fields)...)
}

// Trace 不输出
func (a *ZapLoggerAdapter) Trace(msg string, fields watermill.LogFields) {}

// With 实现watermill.LoggerAdapter
func (a *ZapLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLoggerAdapter{log: a.log.With(toZapFields(fields)...)}
}

func toZapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
