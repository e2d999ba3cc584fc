package gateway

import (
	"context"
	"time"
)

// Side defines the position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// VenuePosition is the venue's view of a single open position. The venue is
// the source of truth for existence; this struct is what snapshots return.
type VenuePosition struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Size             float64   `json:"size"` // magnitude, never negative
	EntryPrice       float64   `json:"entryPrice"`
	MarkPrice        float64   `json:"markPrice"`
	Stop             float64   `json:"stop"`   // 0 means not set
	Target           float64   `json:"target"` // 0 means not set
	UnrealizedProfit float64   `json:"unrealizedProfit"`
	OpenedAt         time.Time `json:"openedAt"`
	ClientTag        string    `json:"clientTag"` // empty for positions foreign to this system
}

// Fill is the venue's confirmation of an opened position.
type Fill struct {
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	FilledAt   time.Time `json:"filledAt"`
}

// Ack acknowledges a modify or close request.
type Ack struct {
	PositionID string `json:"positionId"`
}

// AccountState is the venue-side account snapshot.
type AccountState struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
}

// SymbolRules holds the venue-declared constraints for one instrument.
type SymbolRules struct {
	Symbol          string  `json:"symbol"`
	PricePrecision  int     `json:"pricePrecision"`
	MinStopDistance float64 `json:"minStopDistance"` // minimum distance of a protective level from mark price
	MinSize         float64 `json:"minSize"`
}

// OpenRequest opens a new position. Stop/Target of 0 mean "not set".
type OpenRequest struct {
	Symbol    string
	Side      Side
	Size      float64
	Stop      float64
	Target    float64
	ClientTag string
	Token     string // idempotency token, stable across retries
}

// ModifyRequest replaces protective levels. A level of 0 leaves the
// corresponding venue-side level unchanged.
type ModifyRequest struct {
	PositionID string
	Stop       float64
	Target     float64
	Token      string
}

// CloseRequest closes a fraction (0, 1] of the current position size.
type CloseRequest struct {
	PositionID string
	Fraction   float64
	Token      string
}

// Gateway is the narrow remote interface to the execution venue. Every call
// can time out, be rejected, or silently not take effect; callers must treat
// a timeout as unknown-effect and verify through Snapshot.
type Gateway interface {
	// SyncTime synchronizes time with the venue. Call before signed requests.
	SyncTime() error

	// Open submits a new position.
	Open(ctx context.Context, req OpenRequest) (*Fill, error)

	// Modify replaces the protective levels of an existing position.
	Modify(ctx context.Context, req ModifyRequest) (*Ack, error)

	// Close reduces or closes an existing position.
	Close(ctx context.Context, req CloseRequest) (*Ack, error)

	// Snapshot fetches the venue's complete current position set.
	Snapshot(ctx context.Context) ([]VenuePosition, error)

	// Account fetches the venue-side account balance and equity.
	Account(ctx context.Context) (*AccountState, error)

	// Rules returns cached instrument constraints for a symbol.
	Rules(symbol string) (SymbolRules, bool)
}
