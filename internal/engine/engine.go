package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
	"github.com/gavelhq/gavel/internal/store"
)

// recentBidLimit is how much bid history is replayed on attach.
const recentBidLimit = 20

// Store is what the engine needs from the durable store.
type Store interface {
	LoadOpenAuctions(ctx context.Context) ([]models.Auction, error)
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	AppendBid(ctx context.Context, params store.AppendBidParams) (*models.Bid, error)
	ListRecentBids(ctx context.Context, auctionID uuid.UUID, limit int32) ([]models.Bid, error)
	GetUserBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	Transfer(ctx context.Context, fromUserID, toUserID uuid.UUID, amount decimal.Decimal) error
	SaveAuctionClosure(ctx context.Context, id uuid.UUID, finalBid decimal.Decimal, winner *uuid.UUID, settled bool) error
}

// Engine is the authoritative real-time auction engine: it owns the state
// table, applies the bid acceptance protocol, drives per-auction countdowns
// and settles auctions at closure.
type Engine struct {
	table       *StateTable
	store       Store
	clock       clockwork.Clock
	broadcaster Broadcaster
	publisher   Publisher
}

// New creates an engine around the given store. In production pass
// clockwork.NewRealClock(); tests pass a FakeClock.
func New(st Store, clock clockwork.Clock) *Engine {
	return &Engine{
		table: NewStateTable(),
		store: st,
		clock: clock,
	}
}

// SetBroadcaster wires the event fan-out. Must be called before the engine
// starts accepting traffic; a nil broadcaster drops events.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// SetPublisher wires the optional external event mirror.
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// Attach registers an observer on an auction, lazily initializing live
// state from the durable store, and returns the AuctionJoined snapshot to
// deliver to that observer. Presence is broadcast to the auction's group.
func (e *Engine) Attach(ctx context.Context, auctionID uuid.UUID, connID string) (*Event, error) {
	auction, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if auction.Status == models.AuctionStatusEnded && e.table.Get(auctionID) == nil {
		// Closed and evicted: replay the durable record read-only, without
		// resurrecting live state or counting presence.
		return e.closedSnapshot(ctx, auction), nil
	}

	state := e.table.Init(initParamsFromAuction(auction))

	state.mu.Lock()
	if !state.Closed && state.timerGen == 0 {
		e.startCountdownLocked(state)
	}
	state.observers[connID] = struct{}{}
	count := len(state.observers)
	info := e.auctionInfoLocked(state, auction)
	state.mu.Unlock()

	bids := e.recentBids(ctx, auctionID)

	log.Info().
		Str("auction_id", auctionID.String()).
		Str("conn_id", connID).
		Int("participants", count).
		Msg("observer attached")

	e.emit(auctionID, newEvent(auctionID, EventTypePresenceChanged, PresenceChangedPayload{
		ParticipantCount: count,
	}))

	return newEvent(auctionID, EventTypeAuctionJoined, AuctionJoinedPayload{
		Auction:          info,
		Bids:             bids,
		ParticipantCount: count,
	}), nil
}

// Detach removes an observer and broadcasts the new presence count.
// Detaching cancels no in-flight bid. Once an auction is closed, settled
// and unobserved its state is evicted from the table.
func (e *Engine) Detach(auctionID uuid.UUID, connID string) {
	state := e.table.Get(auctionID)
	if state == nil {
		return
	}

	state.mu.Lock()
	if _, ok := state.observers[connID]; !ok {
		state.mu.Unlock()
		return
	}
	delete(state.observers, connID)
	count := len(state.observers)
	evict := state.Closed && state.Settled && count == 0
	state.mu.Unlock()

	log.Info().
		Str("auction_id", auctionID.String()).
		Str("conn_id", connID).
		Int("participants", count).
		Msg("observer detached")

	if evict {
		e.table.Remove(auctionID)
		return
	}

	e.emit(auctionID, newEvent(auctionID, EventTypePresenceChanged, PresenceChangedPayload{
		ParticipantCount: count,
	}))
}

// RecoverOpenAuctions rebuilds live state at process start. Auctions whose
// deadline is still in the future are re-scheduled from their persisted
// state; auctions that expired while the process was down are closed and
// settled immediately, so winners never miss the transfer for contests that
// ended offline.
func (e *Engine) RecoverOpenAuctions(ctx context.Context) error {
	auctions, err := e.store.LoadOpenAuctions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open auctions: %w", err)
	}

	now := e.clock.Now()
	for i := range auctions {
		auction := &auctions[i]
		state := e.table.Init(initParamsFromAuction(auction))

		state.mu.Lock()
		if auction.EndTime.After(now) {
			if !state.Closed && state.timerGen == 0 {
				e.startCountdownLocked(state)
			}
			state.mu.Unlock()
			log.Info().
				Str("auction_id", auction.ID.String()).
				Time("end_time", auction.EndTime).
				Msg("re-scheduled open auction")
			continue
		}

		ended := e.closeLocked(ctx, state)
		state.mu.Unlock()
		if ended != nil {
			e.emit(auction.ID, ended)
		}
		log.Info().
			Str("auction_id", auction.ID.String()).
			Time("end_time", auction.EndTime).
			Msg("auction expired while offline; closed and settled")
	}

	log.Info().Int("count", len(auctions)).Msg("recovered open auctions")
	return nil
}

// AuctionSnapshot is the REST view of a live auction.
type AuctionSnapshot struct {
	AuctionID        string          `json:"auction_id"`
	Title            string          `json:"title"`
	CurrentBid       decimal.Decimal `json:"current_bid"`
	MinIncrement     decimal.Decimal `json:"min_increment"`
	CurrentWinner    *uuid.UUID      `json:"current_winner,omitempty"`
	EndTime          time.Time       `json:"end_time"`
	TimeRemainingMs  int64           `json:"time_remaining_ms"`
	Closed           bool            `json:"closed"`
	ParticipantCount int             `json:"participant_count"`
}

// Snapshot returns the live view of a tracked auction.
func (e *Engine) Snapshot(auctionID uuid.UUID) (*AuctionSnapshot, bool) {
	state := e.table.Get(auctionID)
	if state == nil {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return e.snapshotLocked(state), true
}

// ActiveAuctions returns snapshots of every tracked, unclosed auction.
func (e *Engine) ActiveAuctions() []AuctionSnapshot {
	ids := e.table.ActiveIDs()
	snapshots := make([]AuctionSnapshot, 0, len(ids))
	for _, id := range ids {
		if snapshot, ok := e.Snapshot(id); ok && !snapshot.Closed {
			snapshots = append(snapshots, *snapshot)
		}
	}
	return snapshots
}

func (e *Engine) snapshotLocked(state *AuctionState) *AuctionSnapshot {
	remaining := state.EndTime.Sub(e.clock.Now()).Milliseconds()
	if remaining < 0 || state.Closed {
		remaining = 0
	}
	snapshot := &AuctionSnapshot{
		AuctionID:        state.ID.String(),
		Title:            state.Title,
		CurrentBid:       state.CurrentBid,
		MinIncrement:     state.MinIncrement,
		EndTime:          state.EndTime,
		TimeRemainingMs:  remaining,
		Closed:           state.Closed,
		ParticipantCount: len(state.observers),
	}
	if state.CurrentWinner != uuid.Nil {
		winner := state.CurrentWinner
		snapshot.CurrentWinner = &winner
	}
	return snapshot
}

// auctionInfoLocked overlays live state on the durable record.
func (e *Engine) auctionInfoLocked(state *AuctionState, auction *models.Auction) AuctionInfo {
	info := AuctionInfo{
		ID:           auction.ID.String(),
		Title:        auction.Title,
		Description:  auction.Description,
		ImageURL:     auction.ImageURL,
		Category:     auction.Category,
		AuctionType:  string(auction.Type),
		StartingBid:  auction.StartingBid,
		MinIncrement: state.MinIncrement,
		CurrentBid:   state.CurrentBid,
		EndTime:      state.EndTime,
		Status:       string(auction.Status),
		SellerID:     auction.SellerID.String(),
	}
	if state.Closed {
		info.Status = string(models.AuctionStatusEnded)
	}
	if state.CurrentWinner != uuid.Nil {
		winner := state.CurrentWinner
		info.CurrentWinner = &winner
	}
	return info
}

func (e *Engine) closedSnapshot(ctx context.Context, auction *models.Auction) *Event {
	info := AuctionInfo{
		ID:            auction.ID.String(),
		Title:         auction.Title,
		Description:   auction.Description,
		ImageURL:      auction.ImageURL,
		Category:      auction.Category,
		AuctionType:   string(auction.Type),
		StartingBid:   auction.StartingBid,
		MinIncrement:  auction.MinIncrement,
		CurrentBid:    auction.CurrentBid,
		CurrentWinner: auction.CurrentWinner,
		EndTime:       auction.EndTime,
		Status:        string(auction.Status),
		SellerID:      auction.SellerID.String(),
	}
	return newEvent(auction.ID, EventTypeAuctionJoined, AuctionJoinedPayload{
		Auction: info,
		Bids:    e.recentBids(ctx, auction.ID),
	})
}

func (e *Engine) recentBids(ctx context.Context, auctionID uuid.UUID) []BidInfo {
	records, err := e.store.ListRecentBids(ctx, auctionID, recentBidLimit)
	if err != nil {
		// History replay is best effort; the snapshot is still valid.
		log.Warn().Err(err).Str("auction_id", auctionID.String()).Msg("failed to load recent bids")
		return nil
	}
	bids := make([]BidInfo, 0, len(records))
	for i := range records {
		bids = append(bids, bidInfoFromModel(&records[i]))
	}
	return bids
}

// emit fans an event out to the auction's observers and mirrors it to the
// external bus. Countdown ticks stay in-process; they are presentation
// signals, not state transitions.
func (e *Engine) emit(auctionID uuid.UUID, event *Event) {
	if e.broadcaster != nil {
		e.broadcaster.BroadcastToAuction(auctionID, event)
	}
	if e.publisher != nil && event.Type != EventTypeTimerTick {
		if err := e.publisher.Publish(context.Background(), event); err != nil {
			log.Warn().Err(err).
				Str("auction_id", auctionID.String()).
				Str("event_type", string(event.Type)).
				Msg("failed to mirror event")
		}
	}
}

// reply delivers an event to a single connection.
func (e *Engine) reply(connID string, event *Event) {
	if e.broadcaster != nil {
		e.broadcaster.SendToConnection(connID, event)
	}
}
