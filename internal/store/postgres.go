package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelhq/gavel/internal/models"
)

// Postgres is the durable system of record for auctions, accepted bids and
// user balances. It is never the source of truth for a live auction's
// current bid; the engine's state table is.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const auctionColumns = `id, title, description, image_url, category, starting_bid,
	min_increment, current_bid, current_winner, start_time, end_time,
	status, auction_type, seller_id, settled, created_at`

// LoadOpenAuctions returns every auction with status 'active'. Called once
// at process start to rebuild the live state table.
func (s *Postgres) LoadOpenAuctions(ctx context.Context) ([]models.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = $1`,
		models.AuctionStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load open auctions: %w", err)
	}
	defer rows.Close()

	var auctions []models.Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction row: %w", err)
		}
		auctions = append(auctions, *auction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate open auctions: %w", err)
	}
	return auctions, nil
}

// GetAuction retrieves a single auction by ID.
func (s *Postgres) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	auction, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return auction, nil
}

// AppendBidParams are the inputs for appending an accepted bid.
type AppendBidParams struct {
	AuctionID uuid.UUID
	UserID    uuid.UUID
	Username  string
	Amount    decimal.Decimal
}

// AppendBid inserts an accepted bid into the append-only bid log.
func (s *Postgres) AppendBid(ctx context.Context, params AppendBidParams) (*models.Bid, error) {
	var bid models.Bid
	err := s.pool.QueryRow(ctx,
		`INSERT INTO bids (id, auction_id, user_id, username, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, auction_id, user_id, username, amount, created_at`,
		uuid.New(), params.AuctionID, params.UserID, params.Username, params.Amount,
	).Scan(&bid.ID, &bid.AuctionID, &bid.UserID, &bid.Username, &bid.Amount, &bid.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append bid: %w", err)
	}
	return &bid, nil
}

// ListRecentBids returns the most recent accepted bids for an auction,
// newest first. Used to replay history when an observer attaches.
func (s *Postgres) ListRecentBids(ctx context.Context, auctionID uuid.UUID, limit int32) ([]models.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, auction_id, user_id, username, amount, created_at
		 FROM bids WHERE auction_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		auctionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var bid models.Bid
		if err := rows.Scan(&bid.ID, &bid.AuctionID, &bid.UserID, &bid.Username, &bid.Amount, &bid.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid row: %w", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bids: %w", err)
	}
	return bids, nil
}

// GetUserBalance returns a user's wallet balance.
func (s *Postgres) GetUserBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("failed to get user balance: %w", err)
	}
	return balance, nil
}

// Transfer atomically moves amount from one user's balance to another's.
// The decrement is guarded at the store level so concurrent settlements
// touching the same user cannot overdraw.
func (s *Postgres) Transfer(ctx context.Context, fromUserID, toUserID uuid.UUID, amount decimal.Decimal) error {
	return s.runTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1`,
			amount, fromUserID,
		)
		if err != nil {
			return fmt.Errorf("failed to debit payer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Either the payer is missing or the balance no longer covers
			// the amount; disambiguate for the integrity-fault log.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, fromUserID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check payer record: %w", err)
			}
			if !exists {
				return fmt.Errorf("payer %s: %w", fromUserID, ErrNotFound)
			}
			return fmt.Errorf("payer %s: %w", fromUserID, ErrInsufficientFunds)
		}

		tag, err = tx.Exec(ctx,
			`UPDATE users SET balance = balance + $1 WHERE id = $2`,
			amount, toUserID,
		)
		if err != nil {
			return fmt.Errorf("failed to credit payee: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("payee %s: %w", toUserID, ErrNotFound)
		}
		return nil
	})
}

// SaveAuctionClosure persists the final state of a closed auction.
func (s *Postgres) SaveAuctionClosure(ctx context.Context, id uuid.UUID, finalBid decimal.Decimal, winner *uuid.UUID, settled bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET status = $2, current_bid = $3, current_winner = $4, settled = $5
		 WHERE id = $1`,
		id, models.AuctionStatusEnded, finalBid, winner, settled,
	)
	if err != nil {
		return fmt.Errorf("failed to save auction closure: %w", err)
	}
	return nil
}

// runTx executes fn inside a transaction. If fn returns an error the tx
// rolls back, else it commits.
func (s *Postgres) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (*models.Auction, error) {
	var auction models.Auction
	err := row.Scan(
		&auction.ID,
		&auction.Title,
		&auction.Description,
		&auction.ImageURL,
		&auction.Category,
		&auction.StartingBid,
		&auction.MinIncrement,
		&auction.CurrentBid,
		&auction.CurrentWinner,
		&auction.StartTime,
		&auction.EndTime,
		&auction.Status,
		&auction.Type,
		&auction.SellerID,
		&auction.Settled,
		&auction.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &auction, nil
}
