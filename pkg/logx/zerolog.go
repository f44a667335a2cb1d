package logx

import (
	"io"

	"github.com/rs/zerolog"
)

// ZerologSink writes entries as JSON lines through zerolog.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a JSON sink writing to w.
func NewZerologSink(w io.Writer) *ZerologSink {
	return &ZerologSink{logger: zerolog.New(w)}
}

// Write implements Sink.
func (z *ZerologSink) Write(e *Entry) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelDebug:
		ev = z.logger.Debug()
	case LevelWarn:
		ev = z.logger.Warn()
	case LevelError:
		ev = z.logger.Error()
	default:
		ev = z.logger.Info()
	}
	ev = ev.Time("time", e.Time).
		Str("component", e.Component).
		Str("visibility", e.Visibility.String())
	if e.Domain != "" {
		ev = ev.Str("domain", e.Domain)
	}
	ev.Msg(e.Message)
}
