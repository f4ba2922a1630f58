package store

import "errors"

var (
	// ErrNotFound is returned when an auction or user record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientFunds is returned by Transfer when the payer's balance
	// does not cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
