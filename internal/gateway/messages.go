package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/engine"
)

// ClientMessage is the inbound frame format.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	clientMessagePlaceBid     = "PlaceBid"
	clientMessageLeaveAuction = "LeaveAuction"
)

// PlaceBidData is the payload of a PlaceBid frame. UserID overrides the
// connection's user when present, so a connection opened anonymously can
// still bid after the client learns its identity.
type PlaceBidData struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Amount   decimal.Decimal `json:"amount"`
}

// handleClientMessage routes an inbound frame from the observer.
func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("conn_id", c.ID).Msg("unparseable client message")
		return
	}

	switch msg.Type {
	case clientMessagePlaceBid:
		c.handlePlaceBid(msg.Data)
	case clientMessageLeaveAuction:
		// Closing the socket drives detach through the read pump teardown.
		c.Conn.Close()
	default:
		log.Debug().
			Str("conn_id", c.ID).
			Str("type", msg.Type).
			Msg("unknown client message type")
	}
}

func (c *Connection) handlePlaceBid(data json.RawMessage) {
	var bid PlaceBidData
	if err := json.Unmarshal(data, &bid); err != nil {
		c.sendRejection(engine.RejectInvalidRequest, "Malformed bid")
		return
	}

	userIDStr := bid.UserID
	if userIDStr == "" {
		userIDStr = c.UserID
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		c.sendRejection(engine.RejectInvalidRequest, "A valid user_id is required to bid")
		return
	}
	if !bid.Amount.IsPositive() {
		c.sendRejection(engine.RejectInvalidRequest, "Bid amount must be positive")
		return
	}

	c.Manager.engine.PlaceBid(context.Background(), engine.BidRequest{
		AuctionID: c.AuctionID,
		ConnID:    c.ID,
		UserID:    userID,
		Username:  bid.Username,
		Amount:    bid.Amount,
	})
}

// sendRejection short-circuits replies for frames the engine never sees.
// Delivery goes through the manager so a reply racing the connection's
// teardown is dropped instead of hitting the closed Send channel.
func (c *Connection) sendRejection(reason engine.RejectReason, message string) {
	event := engine.NewBidRejectedEvent(c.AuctionID, reason, message)
	if data, err := json.Marshal(event); err == nil {
		c.Manager.trySend(c, data)
	}
}
