package service

import "github.com/rs/zerolog"

// Saga checkpoints reported to the Observer.
const (
	CheckpointReserved    = "reserved"
	CheckpointHeld        = "held"
	CheckpointCaptured    = "captured"
	CheckpointCompensated = "compensated"
	CheckpointCommitted   = "committed"
	CheckpointRefunded    = "refunded"
)

// Observer receives saga checkpoints. Implementations must not block.
type Observer interface {
	OnEvent(name string, tags map[string]string)
}

type nopObserver struct{}

func (nopObserver) OnEvent(string, map[string]string) {}

// LogObserver writes checkpoints as structured log lines.
type LogObserver struct {
	log zerolog.Logger
}

func NewLogObserver(l zerolog.Logger) *LogObserver {
	return &LogObserver{log: l.With().Str("component", "saga").Logger()}
}

func (o *LogObserver) OnEvent(name string, tags map[string]string) {
	ev := o.log.Info().Str("checkpoint", name)
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Send()
}
