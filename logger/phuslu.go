package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the phuslu-style phlog package. Entries below
// the configured level are skipped before any field is built.
type PhusluLogger struct {
	level Level
}

func NewPhusluLogger(level Level) *PhusluLogger { return &PhusluLogger{level: level} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	if p.level > LevelDebug {
		return
	}
	withFields(phlog.Debug(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	if p.level > LevelInfo {
		return
	}
	withFields(phlog.Info(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Warn(msg string, keyvals ...any) {
	if p.level > LevelWarn {
		return
	}
	withFields(phlog.Warn(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	withFields(phlog.Error(), keyvals).Msg(msg)
}

func withFields(b *phlog.Entry, keyvals []any) *phlog.Entry {
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		case fmt.Stringer:
			b = b.Str(ks, vv.String())
		default:
			b = b.Any(ks, vv)
		}
	}
	return b
}
