package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
)

// Event is the envelope for every message delivered to observers.
type Event struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auction_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType identifies the payload carried by an Event.
type EventType string

const (
	EventTypeAuctionJoined   EventType = "AuctionJoined"
	EventTypeBidAccepted     EventType = "BidAccepted"
	EventTypeBidRejected     EventType = "BidRejected"
	EventTypeTimerTick       EventType = "TimerTick"
	EventTypePresenceChanged EventType = "PresenceChanged"
	EventTypeAuctionEnded    EventType = "AuctionEnded"
)

// AuctionInfo is the auction snapshot sent on attach. Live fields come from
// the state table when the auction is tracked, the durable record otherwise.
type AuctionInfo struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"image_url,omitempty"`
	Category      string          `json:"category"`
	AuctionType   string          `json:"auction_type"`
	StartingBid   decimal.Decimal `json:"starting_bid"`
	MinIncrement  decimal.Decimal `json:"min_increment"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	CurrentWinner *uuid.UUID      `json:"current_winner,omitempty"`
	EndTime       time.Time       `json:"end_time"`
	Status        string          `json:"status"`
	SellerID      string          `json:"seller_id"`
}

// BidInfo is the wire form of an accepted bid.
type BidInfo struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

func bidInfoFromModel(bid *models.Bid) BidInfo {
	return BidInfo{
		ID:        bid.ID.String(),
		UserID:    bid.UserID.String(),
		Username:  bid.Username,
		Amount:    bid.Amount,
		CreatedAt: bid.CreatedAt,
	}
}

// AuctionJoinedPayload replays current state to a newly attached observer.
type AuctionJoinedPayload struct {
	Auction          AuctionInfo `json:"auction"`
	Bids             []BidInfo   `json:"bids"`
	ParticipantCount int         `json:"participant_count"`
}

// BidAcceptedPayload announces a new authoritative high bid.
type BidAcceptedPayload struct {
	Bid           BidInfo         `json:"bid"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	CurrentWinner string          `json:"current_winner"`
	Extended      bool            `json:"extended"`
	NewEndTime    *time.Time      `json:"new_end_time,omitempty"`
}

// BidRejectedPayload is delivered to the submitting connection only.
type BidRejectedPayload struct {
	Reason         RejectReason     `json:"reason"`
	Message        string           `json:"message"`
	CurrentBid     *decimal.Decimal `json:"current_bid,omitempty"`
	CurrentBalance *decimal.Decimal `json:"current_balance,omitempty"`
}

// TimerTickPayload is the periodic countdown signal.
type TimerTickPayload struct {
	TimeRemainingMs int64     `json:"time_remaining_ms"`
	EndTime         time.Time `json:"end_time"`
}

// PresenceChangedPayload carries the new observer count for an auction.
type PresenceChangedPayload struct {
	ParticipantCount int `json:"participant_count"`
}

// AuctionEndedPayload is the final event for an auction.
type AuctionEndedPayload struct {
	AuctionID string          `json:"auction_id"`
	FinalBid  decimal.Decimal `json:"final_bid"`
	Winner    *uuid.UUID      `json:"winner,omitempty"`
	EndTime   time.Time       `json:"end_time"`
}

// newEvent wraps a payload in the event envelope. Marshaling a payload we
// constructed cannot fail in practice; if it ever does the event carries an
// empty body rather than being dropped silently.
func newEvent(auctionID uuid.UUID, eventType EventType, payload any) *Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event payload")
	}
	return &Event{
		ID:        uuid.New().String(),
		AuctionID: auctionID.String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewBidRejectedEvent builds a rejection reply. Exposed so the gateway can
// reject malformed submissions before they reach the engine.
func NewBidRejectedEvent(auctionID uuid.UUID, reason RejectReason, message string) *Event {
	return newEvent(auctionID, EventTypeBidRejected, BidRejectedPayload{
		Reason:  reason,
		Message: message,
	})
}

// Broadcaster fans events out to every connection attached to an auction,
// and delivers rejection replies to a single connection. Delivery is
// at-most-once best effort.
type Broadcaster interface {
	BroadcastToAuction(auctionID uuid.UUID, event *Event)
	SendToConnection(connID string, event *Event)
}

// Publisher mirrors auction events to an external bus for out-of-process
// consumers. A nil publisher disables mirroring.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}
