package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
)

// AuctionState is the authoritative live state of a single auction. All
// mutation happens with mu held, which serializes bid acceptance, timer
// extension and closure against each other for this auction. Different
// auctions are fully independent.
type AuctionState struct {
	mu sync.Mutex

	ID            uuid.UUID
	Title         string
	CurrentBid    decimal.Decimal
	MinIncrement  decimal.Decimal
	CurrentWinner uuid.UUID // uuid.Nil until the first bid is accepted
	SellerID      uuid.UUID
	Type          models.AuctionType
	EndTime       time.Time
	Closed        bool
	Settled       bool

	observers map[string]struct{}

	// timerGen identifies the single live countdown for this auction.
	// Starting a new countdown bumps the generation; a stale countdown
	// waking up with an old generation must do nothing.
	timerGen uint64
}

// InitParams seed a live auction state from its durable record.
type InitParams struct {
	ID            uuid.UUID
	Title         string
	CurrentBid    decimal.Decimal
	MinIncrement  decimal.Decimal
	CurrentWinner *uuid.UUID
	SellerID      uuid.UUID
	Type          models.AuctionType
	EndTime       time.Time
}

func initParamsFromAuction(auction *models.Auction) InitParams {
	return InitParams{
		ID:            auction.ID,
		Title:         auction.Title,
		CurrentBid:    auction.CurrentBid,
		MinIncrement:  auction.MinIncrement,
		CurrentWinner: auction.CurrentWinner,
		SellerID:      auction.SellerID,
		Type:          auction.Type,
		EndTime:       auction.EndTime,
	}
}

// StateTable is the single authoritative map from auction ID to live state.
// It is an owned, injected dependency of the engine, not a package global,
// so many auctions can be exercised in isolation.
type StateTable struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]*AuctionState
}

// NewStateTable creates an empty state table.
func NewStateTable() *StateTable {
	return &StateTable{
		auctions: make(map[uuid.UUID]*AuctionState),
	}
}

// Init creates the state entry if absent and returns it. If the auction is
// already tracked the existing entry is returned untouched, so a late
// re-initialization can never clobber bids accepted in the interim.
func (t *StateTable) Init(params InitParams) *AuctionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok := t.auctions[params.ID]; ok {
		return state
	}

	state := &AuctionState{
		ID:           params.ID,
		Title:        params.Title,
		CurrentBid:   params.CurrentBid,
		MinIncrement: params.MinIncrement,
		SellerID:     params.SellerID,
		Type:         params.Type,
		EndTime:      params.EndTime,
		observers:    make(map[string]struct{}),
	}
	if params.CurrentWinner != nil {
		state.CurrentWinner = *params.CurrentWinner
	}
	if state.MinIncrement.IsZero() {
		state.MinIncrement = decimal.NewFromInt(1)
	}
	t.auctions[params.ID] = state
	return state
}

// Get returns the live state for an auction, or nil if it is not tracked.
func (t *StateTable) Get(id uuid.UUID) *AuctionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.auctions[id]
}

// Remove evicts an auction from the table. Eviction is an optimization;
// callers only do this after closure and settlement have completed and no
// observers remain.
func (t *StateTable) Remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.auctions, id)
}

// ActiveIDs returns the IDs of all tracked auctions that are not closed.
func (t *StateTable) ActiveIDs() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(t.auctions))
	for id, state := range t.auctions {
		state.mu.Lock()
		closed := state.Closed
		state.mu.Unlock()
		if !closed {
			ids = append(ids, id)
		}
	}
	return ids
}
