package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Countdown scheduler constants. The threshold and extension are contract
// values shared with clients; changing them changes bidding strategy.
const (
	tickInterval       = time.Second
	antiSnipeThreshold = 30 * time.Second
	antiSnipeExtension = 60 * time.Second
)

// startCountdownLocked starts (or replaces) the auction's countdown.
// Bumping the generation invalidates any previously started countdown: a
// stale goroutine waking up afterwards observes the mismatch and exits
// without acting. At most one countdown is ever live per auction. Caller
// holds state.mu.
func (e *Engine) startCountdownLocked(state *AuctionState) {
	state.timerGen++
	go e.runCountdown(state, state.timerGen)
}

// runCountdown is the per-auction timer loop: a tick every second carrying
// time remaining, and the closure trigger once the deadline passes. The
// deadline is re-read under the lock on every wake-up, so a concurrent
// anti-snipe extension is always observed before closure can fire.
func (e *Engine) runCountdown(state *AuctionState, generation uint64) {
	for {
		state.mu.Lock()
		if state.Closed || generation != state.timerGen {
			state.mu.Unlock()
			return
		}

		remaining := state.EndTime.Sub(e.clock.Now())
		if remaining <= 0 {
			ended := e.closeLocked(context.Background(), state)
			state.mu.Unlock()
			if ended != nil {
				e.emit(state.ID, ended)
				log.Info().Str("auction_id", state.ID.String()).Msg("auction ended")
			}
			return
		}

		endTime := state.EndTime
		state.mu.Unlock()

		e.emit(state.ID, newEvent(state.ID, EventTypeTimerTick, TimerTickPayload{
			TimeRemainingMs: remaining.Milliseconds(),
			EndTime:         endTime,
		}))

		e.clock.Sleep(tickInterval)
	}
}
