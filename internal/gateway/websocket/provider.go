package websocket

import (
	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
)

// Provide creates the unified WebSocket gateway.
func Provide(eventBus bus.EventBus, verifier TokenVerifier, log *logger.Logger) (*Gateway, error) {
	gateway := NewGateway(eventBus, verifier, log)
	return gateway, nil
}
