package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
	"github.com/gavelhq/gavel/internal/store"
)

// BidRequest is an inbound bid submission.
type BidRequest struct {
	AuctionID uuid.UUID
	ConnID    string
	UserID    uuid.UUID
	Username  string
	Amount    decimal.Decimal
}

// PlaceBid runs the bid acceptance protocol. Preconditions are checked in
// order, each with its own rejection reason: the auction exists and is not
// closed, the bidder can cover the amount, the bidder is not already the
// highest bidder, and the amount clears currentBid + minIncrement. The
// whole evaluation, including the durable append, runs inside the
// auction's critical section so two bids can never be judged against the
// same current-bid snapshot. Exactly one reply or broadcast results from
// every submission.
func (e *Engine) PlaceBid(ctx context.Context, req BidRequest) {
	state := e.table.Get(req.AuctionID)
	if state == nil {
		var rejected bool
		state, rejected = e.loadStateForBid(ctx, req)
		if rejected {
			return
		}
	}

	state.mu.Lock()

	if state.Closed {
		state.mu.Unlock()
		e.rejectBid(req, RejectAuctionClosed, "Auction has ended", nil, nil)
		return
	}

	balance, err := e.store.GetUserBalance(ctx, req.UserID)
	if err != nil {
		state.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			zero := decimal.Zero
			e.rejectBid(req, RejectInsufficientBalance,
				"Insufficient wallet balance. Please top up your account.", nil, &zero)
			return
		}
		log.Error().Err(err).
			Str("auction_id", req.AuctionID.String()).
			Str("user_id", req.UserID.String()).
			Msg("balance check failed")
		e.rejectBid(req, RejectTransientFailure, "Failed to place bid", nil, nil)
		return
	}
	if balance.LessThan(req.Amount) {
		state.mu.Unlock()
		e.rejectBid(req, RejectInsufficientBalance,
			"Insufficient wallet balance. Please top up your account.", nil, &balance)
		return
	}

	if state.CurrentWinner == req.UserID {
		state.mu.Unlock()
		e.rejectBid(req, RejectAlreadyHighest, "You are already the highest bidder", nil, nil)
		return
	}

	// Strict inequality at the increment boundary: an amount equal to the
	// current bid is always rejected, and the first proposal to clear the
	// bar under serialization wins its amount level.
	required := state.CurrentBid.Add(state.MinIncrement)
	if req.Amount.LessThan(required) {
		currentBid := state.CurrentBid
		state.mu.Unlock()
		e.rejectBid(req, RejectBidTooLow,
			fmt.Sprintf("Bid must be at least $%s", required.String()), &currentBid, nil)
		return
	}

	bid, err := e.store.AppendBid(ctx, store.AppendBidParams{
		AuctionID: req.AuctionID,
		UserID:    req.UserID,
		Username:  req.Username,
		Amount:    req.Amount,
	})
	if err != nil {
		// No partial application: the in-memory state is untouched, so a
		// retried bid re-evaluates against a consistent snapshot.
		state.mu.Unlock()
		log.Error().Err(err).
			Str("auction_id", req.AuctionID.String()).
			Str("user_id", req.UserID.String()).
			Msg("failed to append bid")
		e.rejectBid(req, RejectTransientFailure, "Failed to place bid", nil, nil)
		return
	}

	state.CurrentBid = req.Amount
	state.CurrentWinner = req.UserID

	extended, newEndTime := e.maybeExtendLocked(state)
	state.mu.Unlock()

	log.Info().
		Str("auction_id", req.AuctionID.String()).
		Str("user_id", req.UserID.String()).
		Str("amount", req.Amount.String()).
		Bool("extended", extended).
		Msg("bid accepted")

	payload := BidAcceptedPayload{
		Bid:           bidInfoFromModel(bid),
		CurrentBid:    req.Amount,
		CurrentWinner: req.UserID.String(),
		Extended:      extended,
	}
	if extended {
		payload.NewEndTime = &newEndTime
	}
	e.emit(req.AuctionID, newEvent(req.AuctionID, EventTypeBidAccepted, payload))
}

// loadStateForBid lazily initializes state for a bid on an auction no
// observer has attached yet. The bool result reports that a rejection was
// already sent.
func (e *Engine) loadStateForBid(ctx context.Context, req BidRequest) (*AuctionState, bool) {
	auction, err := e.store.GetAuction(ctx, req.AuctionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.rejectBid(req, RejectAuctionNotFound, "Auction not found", nil, nil)
			return nil, true
		}
		log.Error().Err(err).Str("auction_id", req.AuctionID.String()).Msg("failed to load auction for bid")
		e.rejectBid(req, RejectTransientFailure, "Failed to place bid", nil, nil)
		return nil, true
	}
	if auction.Status != models.AuctionStatusActive {
		e.rejectBid(req, RejectAuctionClosed, "Auction is not active", nil, nil)
		return nil, true
	}

	state := e.table.Init(initParamsFromAuction(auction))
	state.mu.Lock()
	if !state.Closed && state.timerGen == 0 {
		e.startCountdownLocked(state)
	}
	state.mu.Unlock()
	return state, false
}

// maybeExtendLocked applies the anti-snipe rule to a just-accepted bid.
// Sprint auctions never extend. Caller holds state.mu.
func (e *Engine) maybeExtendLocked(state *AuctionState) (bool, time.Time) {
	if state.Type == models.AuctionTypeSprint {
		return false, time.Time{}
	}
	remaining := state.EndTime.Sub(e.clock.Now())
	if remaining <= 0 || remaining >= antiSnipeThreshold {
		return false, time.Time{}
	}

	state.EndTime = state.EndTime.Add(antiSnipeExtension)
	// Replace the countdown so the pending wake-up reflects the new
	// deadline; the old one is invalidated by the generation bump.
	e.startCountdownLocked(state)

	log.Info().
		Str("auction_id", state.ID.String()).
		Time("new_end_time", state.EndTime).
		Msg("anti-snipe extension applied")
	return true, state.EndTime
}

func (e *Engine) rejectBid(req BidRequest, reason RejectReason, message string, currentBid, currentBalance *decimal.Decimal) {
	log.Debug().
		Str("auction_id", req.AuctionID.String()).
		Str("user_id", req.UserID.String()).
		Str("reason", string(reason)).
		Msg("bid rejected")

	e.reply(req.ConnID, newEvent(req.AuctionID, EventTypeBidRejected, BidRejectedPayload{
		Reason:         reason,
		Message:        message,
		CurrentBid:     currentBid,
		CurrentBalance: currentBalance,
	}))
}
