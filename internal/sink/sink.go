// Package sink fans audit events out to the configured destinations.
package sink

import (
	"context"
	"fmt"

	"github.com/formgate/formgate/internal/audit"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(e audit.Event) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}

// FromOutputs builds a sink per configured output name. Unknown names are
// an error so typos fail at startup instead of silently dropping audit
// data.
func FromOutputs(outputs []string) ([]Sink, error) {
	var sinks []Sink
	for _, name := range outputs {
		switch name {
		case "log":
			sinks = append(sinks, NewLogSink())
		case "kafka":
			sinks = append(sinks, NewKafkaSinkFromEnv())
		case "postgres":
			sinks = append(sinks, NewPGSinkFromEnv())
		default:
			return nil, fmt.Errorf("unknown audit output %q", name)
		}
	}
	return sinks, nil
}
