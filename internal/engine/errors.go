package engine

// RejectReason classifies why a bid was not accepted. Validation faults are
// replies to the submitter, never errors; they are not logged and not
// retried automatically.
type RejectReason string

const (
	RejectAuctionNotFound     RejectReason = "auction_not_found"
	RejectAuctionClosed       RejectReason = "auction_closed"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectAlreadyHighest      RejectReason = "already_highest_bidder"
	RejectBidTooLow           RejectReason = "bid_too_low"
	RejectInvalidRequest      RejectReason = "invalid_request"

	// RejectTransientFailure covers durable-store failures during a bid.
	// In-memory state is left untouched so a retried bid re-evaluates
	// against a consistent snapshot.
	RejectTransientFailure RejectReason = "transient_failure"
)
