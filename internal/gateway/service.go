package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service bundles the WebSocket connection manager and the REST state API.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
}

// NewService creates the gateway service. The returned service's
// ConnectionManager implements engine.Broadcaster and must be wired back
// into the engine by the caller.
func NewService(config ConnectionConfig, eng Engine, provider StateProvider) *Service {
	cm := NewConnectionManager(config, eng)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
		stateHandler:      NewStateHandler(provider),
	}
}

// ConnectionManager exposes the broadcaster for engine wiring.
func (s *Service) ConnectionManager() *ConnectionManager {
	return s.connectionManager
}

// Start begins processing broadcasts until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.connectionManager.Start(ctx)
}

// RegisterRoutes registers the WebSocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("gateway routes registered")
}
