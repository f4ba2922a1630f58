package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
	"github.com/gavelhq/gavel/internal/store"
)

type transferCall struct {
	From   uuid.UUID
	To     uuid.UUID
	Amount decimal.Decimal
}

type closureCall struct {
	AuctionID uuid.UUID
	FinalBid  decimal.Decimal
	Winner    *uuid.UUID
	Settled   bool
}

// fakeStore is an in-memory durable store with per-call error injection.
type fakeStore struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]models.Auction
	balances map[uuid.UUID]decimal.Decimal
	bids     []models.Bid

	transfers []transferCall
	closures  []closureCall

	appendErr   error
	balanceErr  error
	transferErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		auctions: make(map[uuid.UUID]models.Auction),
		balances: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (f *fakeStore) putAuction(auction models.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auctions[auction.ID] = auction
}

func (f *fakeStore) setBalance(userID uuid.UUID, balance decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = balance
}

func (f *fakeStore) LoadOpenAuctions(ctx context.Context) ([]models.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []models.Auction
	for _, auction := range f.auctions {
		if auction.Status == models.AuctionStatusActive {
			open = append(open, auction)
		}
	}
	return open, nil
}

func (f *fakeStore) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	auction, ok := f.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &auction, nil
}

func (f *fakeStore) AppendBid(ctx context.Context, params store.AppendBidParams) (*models.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	bid := models.Bid{
		ID:        uuid.New(),
		AuctionID: params.AuctionID,
		UserID:    params.UserID,
		Username:  params.Username,
		Amount:    params.Amount,
		CreatedAt: time.Now(),
	}
	f.bids = append(f.bids, bid)
	return &bid, nil
}

func (f *fakeStore) ListRecentBids(ctx context.Context, auctionID uuid.UUID, limit int32) ([]models.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var bids []models.Bid
	for i := len(f.bids) - 1; i >= 0 && len(bids) < int(limit); i-- {
		if f.bids[i].AuctionID == auctionID {
			bids = append(bids, f.bids[i])
		}
	}
	return bids, nil
}

func (f *fakeStore) GetUserBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	balance, ok := f.balances[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return balance, nil
}

func (f *fakeStore) Transfer(ctx context.Context, fromUserID, toUserID uuid.UUID, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	from, ok := f.balances[fromUserID]
	if !ok {
		return fmt.Errorf("payer %s: %w", fromUserID, store.ErrNotFound)
	}
	if from.LessThan(amount) {
		return fmt.Errorf("payer %s: %w", fromUserID, store.ErrInsufficientFunds)
	}
	f.balances[fromUserID] = from.Sub(amount)
	f.balances[toUserID] = f.balances[toUserID].Add(amount)
	f.transfers = append(f.transfers, transferCall{From: fromUserID, To: toUserID, Amount: amount})
	return nil
}

func (f *fakeStore) SaveAuctionClosure(ctx context.Context, id uuid.UUID, finalBid decimal.Decimal, winner *uuid.UUID, settled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closures = append(f.closures, closureCall{AuctionID: id, FinalBid: finalBid, Winner: winner, Settled: settled})
	if auction, ok := f.auctions[id]; ok {
		auction.Status = models.AuctionStatusEnded
		auction.CurrentBid = finalBid
		auction.CurrentWinner = winner
		auction.Settled = settled
		f.auctions[id] = auction
	}
	return nil
}

func (f *fakeStore) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

type capturedEvent struct {
	AuctionID uuid.UUID
	ConnID    string
	Event     *Event
}

// fakeBroadcaster captures emitted events on a channel.
type fakeBroadcaster struct {
	events chan capturedEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{events: make(chan capturedEvent, 2048)}
}

func (f *fakeBroadcaster) BroadcastToAuction(auctionID uuid.UUID, event *Event) {
	f.events <- capturedEvent{AuctionID: auctionID, Event: event}
}

func (f *fakeBroadcaster) SendToConnection(connID string, event *Event) {
	f.events <- capturedEvent{ConnID: connID, Event: event}
}

// nextEventOfType blocks until an event of the given type arrives,
// discarding others.
func (f *fakeBroadcaster) nextEventOfType(t *testing.T, eventType EventType) capturedEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case captured := <-f.events:
			if captured.Event.Type == eventType {
				return captured
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
			return capturedEvent{}
		}
	}
}

// drain returns every already-delivered event of the given type, leaving
// events of other types on the channel.
func (f *fakeBroadcaster) drain(eventType EventType) []capturedEvent {
	var out, rest []capturedEvent
	for {
		select {
		case captured := <-f.events:
			if captured.Event.Type == eventType {
				out = append(out, captured)
			} else {
				rest = append(rest, captured)
			}
		default:
			for _, captured := range rest {
				f.events <- captured
			}
			return out
		}
	}
}

func newTestEngine() (*Engine, *fakeStore, *fakeBroadcaster, *clockwork.FakeClock) {
	fs := newFakeStore()
	clk := clockwork.NewFakeClock()
	eng := New(fs, clk)
	fb := newFakeBroadcaster()
	eng.SetBroadcaster(fb)
	return eng, fs, fb, clk
}

// seedAuction stores an active auction ending ttl from now and returns it.
func seedAuction(fs *fakeStore, clk clockwork.Clock, ttl time.Duration, auctionType models.AuctionType) models.Auction {
	auction := models.Auction{
		ID:           uuid.New(),
		Title:        "Vintage Rolex Submariner",
		Description:  "1968 reference 5513, original dial",
		Category:     "watches",
		StartingBid:  decimal.NewFromInt(100),
		MinIncrement: decimal.NewFromInt(1),
		CurrentBid:   decimal.NewFromInt(100),
		StartTime:    clk.Now().Add(-time.Hour),
		EndTime:      clk.Now().Add(ttl),
		Status:       models.AuctionStatusActive,
		Type:         auctionType,
		SellerID:     uuid.New(),
		CreatedAt:    clk.Now().Add(-2 * time.Hour),
	}
	fs.putAuction(auction)
	return auction
}

func decodePayload[T any](t *testing.T, event *Event) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		t.Fatalf("failed to decode %s payload: %v", event.Type, err)
	}
	return payload
}
