package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
)

func TestPlaceBidAccepted(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID,
		ConnID:    "conn-alice",
		UserID:    alice,
		Username:  "alice",
		Amount:    decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidAccepted)
	check.Equal(t, auction.ID, captured.AuctionID)
	payload := decodePayload[BidAcceptedPayload](t, captured.Event)
	check.True(t, payload.CurrentBid.Equal(decimal.NewFromInt(150)))
	check.Equal(t, alice.String(), payload.CurrentWinner)
	check.Equal(t, "alice", payload.Bid.Username)
	check.False(t, payload.Extended)

	state := eng.table.Get(auction.ID)
	assert.True(t, state != nil)
	state.mu.Lock()
	defer state.mu.Unlock()
	check.True(t, state.CurrentBid.Equal(decimal.NewFromInt(150)))
	check.Equal(t, alice, state.CurrentWinner)
	assert.Equal(t, 1, len(fs.bids))
	check.True(t, fs.bids[0].Amount.Equal(decimal.NewFromInt(150)))
}

func TestPlaceBidExactIncrementAccepted(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))

	// currentBid + minIncrement exactly clears the bar.
	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID,
		ConnID:    "conn-alice",
		UserID:    alice,
		Username:  "alice",
		Amount:    decimal.NewFromInt(101),
	})

	captured := fb.nextEventOfType(t, EventTypeBidAccepted)
	payload := decodePayload[BidAcceptedPayload](t, captured.Event)
	check.True(t, payload.CurrentBid.Equal(decimal.NewFromInt(101)))
}

func TestPlaceBidTooLow(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	bob := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))
	fs.setBalance(bob, decimal.NewFromInt(1000))

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-alice", UserID: alice, Username: "alice",
		Amount: decimal.NewFromInt(150),
	})
	fb.nextEventOfType(t, EventTypeBidAccepted)

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-bob", UserID: bob, Username: "bob",
		Amount: decimal.NewFromInt(140),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	check.Equal(t, "conn-bob", captured.ConnID)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectBidTooLow, payload.Reason)
	check.Equal(t, "Bid must be at least $151", payload.Message)
	assert.True(t, payload.CurrentBid != nil)
	check.True(t, payload.CurrentBid.Equal(decimal.NewFromInt(150)))

	// The low bid never touched durable or live state.
	assert.Equal(t, 1, len(fs.bids))
	state := eng.table.Get(auction.ID)
	state.mu.Lock()
	defer state.mu.Unlock()
	check.Equal(t, alice, state.CurrentWinner)
}

func TestPlaceBidEqualToCurrentRejected(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	bob := uuid.New()
	fs.setBalance(bob, decimal.NewFromInt(1000))

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-bob", UserID: bob, Username: "bob",
		Amount: decimal.NewFromInt(100),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectBidTooLow, payload.Reason)
	check.Equal(t, "Bid must be at least $101", payload.Message)
}

func TestPlaceBidAlreadyHighestBidder(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-alice", UserID: alice, Username: "alice",
		Amount: decimal.NewFromInt(150),
	})
	fb.nextEventOfType(t, EventTypeBidAccepted)

	// A higher bid from the same user is still rejected.
	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-alice", UserID: alice, Username: "alice",
		Amount: decimal.NewFromInt(160),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	check.Equal(t, "conn-alice", captured.ConnID)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectAlreadyHighest, payload.Reason)
	check.Equal(t, "You are already the highest bidder", payload.Message)

	state := eng.table.Get(auction.ID)
	state.mu.Lock()
	defer state.mu.Unlock()
	check.True(t, state.CurrentBid.Equal(decimal.NewFromInt(150)))
}

func TestPlaceBidInsufficientBalance(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	bob := uuid.New()
	fs.setBalance(bob, decimal.NewFromInt(120))

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-bob", UserID: bob, Username: "bob",
		Amount: decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectInsufficientBalance, payload.Reason)
	check.Equal(t, "Insufficient wallet balance. Please top up your account.", payload.Message)
	assert.True(t, payload.CurrentBalance != nil)
	check.True(t, payload.CurrentBalance.Equal(decimal.NewFromInt(120)))
}

func TestPlaceBidUnknownUserTreatedAsZeroBalance(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-x", UserID: uuid.New(), Username: "ghost",
		Amount: decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectInsufficientBalance, payload.Reason)
	assert.True(t, payload.CurrentBalance != nil)
	check.True(t, payload.CurrentBalance.IsZero())
}

func TestPlaceBidAuctionNotFound(t *testing.T) {
	t.Parallel()
	eng, _, fb, _ := newTestEngine()

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: uuid.New(), ConnID: "conn-x", UserID: uuid.New(), Username: "x",
		Amount: decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectAuctionNotFound, payload.Reason)
	check.Equal(t, "Auction not found", payload.Message)
}

func TestPlaceBidInactiveAuction(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	auction.Status = models.AuctionStatusPending
	fs.putAuction(auction)

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-x", UserID: uuid.New(), Username: "x",
		Amount: decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectAuctionClosed, payload.Reason)
	check.Equal(t, "Auction is not active", payload.Message)
}

func TestPlaceBidClosedAuction(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	bob := uuid.New()
	fs.setBalance(bob, decimal.NewFromInt(1000))

	state := eng.table.Init(initParamsFromAuction(&auction))
	state.mu.Lock()
	eng.closeLocked(context.Background(), state)
	state.mu.Unlock()

	eng.PlaceBid(context.Background(), BidRequest{
		AuctionID: auction.ID, ConnID: "conn-bob", UserID: bob, Username: "bob",
		Amount: decimal.NewFromInt(150),
	})

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectAuctionClosed, payload.Reason)
	check.Equal(t, "Auction has ended", payload.Message)
}

func TestPlaceBidStoreFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))

	fs.mu.Lock()
	fs.appendErr = errors.New("connection refused")
	fs.mu.Unlock()

	req := BidRequest{
		AuctionID: auction.ID, ConnID: "conn-alice", UserID: alice, Username: "alice",
		Amount: decimal.NewFromInt(150),
	}
	eng.PlaceBid(context.Background(), req)

	captured := fb.nextEventOfType(t, EventTypeBidRejected)
	payload := decodePayload[BidRejectedPayload](t, captured.Event)
	check.Equal(t, RejectTransientFailure, payload.Reason)
	check.Equal(t, "Failed to place bid", payload.Message)

	state := eng.table.Get(auction.ID)
	state.mu.Lock()
	check.True(t, state.CurrentBid.Equal(decimal.NewFromInt(100)))
	check.Equal(t, uuid.Nil, state.CurrentWinner)
	state.mu.Unlock()

	// The same bid succeeds once the store recovers.
	fs.mu.Lock()
	fs.appendErr = nil
	fs.mu.Unlock()
	eng.PlaceBid(context.Background(), req)

	accepted := fb.nextEventOfType(t, EventTypeBidAccepted)
	acceptedPayload := decodePayload[BidAcceptedPayload](t, accepted.Event)
	check.True(t, acceptedPayload.CurrentBid.Equal(decimal.NewFromInt(150)))
}

func TestConcurrentEqualBidsOneWinner(t *testing.T) {
	t.Parallel()
	eng, fs, fb, clk := newTestEngine()
	auction := seedAuction(fs, clk, 5*time.Minute, models.AuctionTypeStandard)
	alice := uuid.New()
	bob := uuid.New()
	fs.setBalance(alice, decimal.NewFromInt(1000))
	fs.setBalance(bob, decimal.NewFromInt(1000))

	amount := decimal.NewFromInt(150)
	var wg sync.WaitGroup
	for _, bidder := range []struct {
		userID   uuid.UUID
		connID   string
		username string
	}{
		{alice, "conn-alice", "alice"},
		{bob, "conn-bob", "bob"},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.PlaceBid(context.Background(), BidRequest{
				AuctionID: auction.ID,
				ConnID:    bidder.connID,
				UserID:    bidder.userID,
				Username:  bidder.username,
				Amount:    amount,
			})
		}()
	}
	wg.Wait()

	accepted := fb.drain(EventTypeBidAccepted)
	rejected := fb.drain(EventTypeBidRejected)
	assert.Equal(t, 1, len(accepted))
	assert.Equal(t, 1, len(rejected))

	rejectedPayload := decodePayload[BidRejectedPayload](t, rejected[0].Event)
	check.Equal(t, RejectBidTooLow, rejectedPayload.Reason)

	acceptedPayload := decodePayload[BidAcceptedPayload](t, accepted[0].Event)
	state := eng.table.Get(auction.ID)
	state.mu.Lock()
	defer state.mu.Unlock()
	check.True(t, state.CurrentBid.Equal(amount))
	check.Equal(t, state.CurrentWinner.String(), acceptedPayload.CurrentWinner)
	assert.Equal(t, 1, len(fs.bids))
}
