package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuctionType controls countdown behavior. Sprint auctions never extend
// their deadline, regardless of how late a bid lands.
type AuctionType string

const (
	AuctionTypeStandard AuctionType = "standard"
	AuctionTypeSprint   AuctionType = "sprint"
)

// AuctionStatus is the durable lifecycle status of an auction.
type AuctionStatus string

const (
	AuctionStatusPending AuctionStatus = "pending"
	AuctionStatusActive  AuctionStatus = "active"
	AuctionStatusEnded   AuctionStatus = "ended"
)

// Auction is the durable auction record. While an auction is live, the
// engine's in-memory state is authoritative for CurrentBid, CurrentWinner
// and EndTime; this record is the system of record after closure.
type Auction struct {
	ID            uuid.UUID       `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	ImageURL      string          `json:"image_url,omitempty"`
	Category      string          `json:"category"`
	StartingBid   decimal.Decimal `json:"starting_bid"`
	MinIncrement  decimal.Decimal `json:"min_increment"`
	CurrentBid    decimal.Decimal `json:"current_bid"`
	CurrentWinner *uuid.UUID      `json:"current_winner,omitempty"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	Status        AuctionStatus   `json:"status"`
	Type          AuctionType     `json:"auction_type"`
	SellerID      uuid.UUID       `json:"seller_id"`
	Settled       bool            `json:"settled"`
	CreatedAt     time.Time       `json:"created_at"`
}
