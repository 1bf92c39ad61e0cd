package sink

import (
	"context"
	"encoding/json"
	"log"

	"github.com/formgate/formgate/internal/audit"
)

type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Start(ctx context.Context) error { return nil }

func (s *LogSink) Enqueue(e audit.Event) error {
	b, _ := json.Marshal(e)
	log.Printf("audit %s", string(b))
	return nil
}

func (s *LogSink) Close() error { return nil }

func (s *LogSink) Name() string { return "log" }
