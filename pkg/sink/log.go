// Package sink contains the destinations the request log is drained to.
package sink

import (
	"context"
	"log/slog"

	"kvrepl/pkg/request"
)

// LogSink writes every request to a structured log. It never fails.
type LogSink struct {
	log   *slog.Logger
	level slog.Level
}

func NewLogSink(log *slog.Logger, level slog.Level) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "sink"), level: level}
}

func (s *LogSink) Write(ctx context.Context, req request.Request) error {
	s.log.Log(ctx, s.level, "replicated request",
		"cmd", req.Cmd(),
		"key", string(req.Key()),
		"bytes", req.Size(),
	)
	return nil
}
