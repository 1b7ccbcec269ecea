package events

import (
	"strings"

	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/events/bus"
)

// Transport names the bus implementation chosen by Provide.
type Transport string

const (
	TransportMemory Transport = "memory"
	TransportNATS   Transport = "nats"
)

// Provided is the event bus selected from configuration.
type Provided struct {
	bus.EventBus
	Transport Transport
}

// Provide picks NATS when a URL is configured and the in-memory bus otherwise.
// A NATS connection failure is returned, never silently downgraded.
func Provide(cfg *config.Config, log *logger.Logger) (*Provided, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return &Provided{EventBus: bus.NewMemoryEventBus(log), Transport: TransportMemory}, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, err
	}
	return &Provided{EventBus: natsBus, Transport: TransportNATS}, nil
}
