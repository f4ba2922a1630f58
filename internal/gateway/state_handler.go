package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gavelhq/gavel/internal/engine"
)

// StateProvider serves read-only live auction state for the REST API.
type StateProvider interface {
	Snapshot(auctionID uuid.UUID) (*engine.AuctionSnapshot, bool)
	ActiveAuctions() []engine.AuctionSnapshot
}

// StateHandler handles HTTP requests for live auction state.
type StateHandler struct {
	provider StateProvider
}

// NewStateHandler creates a new state handler.
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{provider: provider}
}

// HandleGetAuctionState handles GET /api/auctions/{id}/state.
func (h *StateHandler) HandleGetAuctionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	auctionIDStr := extractAuctionIDFromPath(r.URL.Path)
	if auctionIDStr == "" {
		http.Error(w, "Auction ID is required", http.StatusBadRequest)
		return
	}
	auctionID, err := uuid.Parse(auctionIDStr)
	if err != nil {
		http.Error(w, "Invalid auction ID format", http.StatusBadRequest)
		return
	}

	snapshot, ok := h.provider.Snapshot(auctionID)
	if !ok {
		http.Error(w, "Auction not tracked", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Error().Err(err).Msg("failed to encode auction state response")
	}
}

// HandleGetActiveAuctions handles GET /api/auctions/active.
func (h *StateHandler) HandleGetActiveAuctions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.provider.ActiveAuctions()); err != nil {
		log.Error().Err(err).Msg("failed to encode active auctions response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes.
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auctions/active", h.HandleGetActiveAuctions)
	mux.HandleFunc("/api/auctions/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/state") {
			h.HandleGetAuctionState(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// extractAuctionIDFromPath extracts the ID from /api/auctions/{id}/state.
func extractAuctionIDFromPath(path string) string {
	const prefix = "/api/auctions/"
	const suffix = "/state"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}
