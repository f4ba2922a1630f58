package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// closeLocked performs end-of-auction settlement and closure. The Closed
// flag makes this idempotent: duplicate timer fires, a racing recovery pass
// and an explicit close all result in exactly one transfer and one
// AuctionEnded event. Returns the event to broadcast, or nil if the auction
// was already closed. Caller holds state.mu; the lock is held across the
// store writes so no bid can interleave with closure.
func (e *Engine) closeLocked(ctx context.Context, state *AuctionState) *Event {
	if state.Closed {
		return nil
	}
	state.Closed = true

	finalBid := state.CurrentBid
	winner := state.CurrentWinner

	settled := true
	if winner != uuid.Nil && finalBid.IsPositive() {
		if err := e.store.Transfer(ctx, winner, state.SellerID, finalBid); err != nil {
			// Integrity fault: the auction stays closed but unsettled and
			// is reconciled out of band. Closure is never blocked on it.
			settled = false
			log.Error().Err(err).
				Str("auction_id", state.ID.String()).
				Str("winner", winner.String()).
				Str("seller", state.SellerID.String()).
				Str("amount", finalBid.String()).
				Msg("settlement transfer failed; auction closed unsettled")
		} else {
			log.Info().
				Str("auction_id", state.ID.String()).
				Str("winner", winner.String()).
				Str("seller", state.SellerID.String()).
				Str("amount", finalBid.String()).
				Msg("settlement transfer complete")
		}
	}
	state.Settled = settled

	var winnerRef *uuid.UUID
	if winner != uuid.Nil {
		w := winner
		winnerRef = &w
	}
	if err := e.store.SaveAuctionClosure(ctx, state.ID, finalBid, winnerRef, settled); err != nil {
		log.Error().Err(err).
			Str("auction_id", state.ID.String()).
			Msg("failed to persist auction closure")
	}

	return newEvent(state.ID, EventTypeAuctionEnded, AuctionEndedPayload{
		AuctionID: state.ID.String(),
		FinalBid:  finalBid,
		Winner:    winnerRef,
		EndTime:   state.EndTime,
	})
}
