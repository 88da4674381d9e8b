// Package types provides position lifecycle and ledger types.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
)

// PositionEventType enumerates the append-only position event kinds
type PositionEventType string

const (
	EventPositionCreated PositionEventType = "POSITION_CREATED"
	EventOrderFilled     PositionEventType = "ORDER_FILLED"
	EventMarginReserved  PositionEventType = "MARGIN_RESERVED"
	EventMarginReleased  PositionEventType = "MARGIN_RELEASED"
	EventPositionClosed  PositionEventType = "POSITION_CLOSED"
	EventPnLRealized     PositionEventType = "PNL_REALIZED"
)

// BalanceEventType enumerates balance-changing event kinds
type BalanceEventType string

const (
	BalanceMarginReserved BalanceEventType = "MARGIN_RESERVED"
	BalanceMarginReleased BalanceEventType = "MARGIN_RELEASED"
	BalanceFeeCharged     BalanceEventType = "FEE_CHARGED"
	BalancePnLRealized    BalanceEventType = "PNL_REALIZED"
	BalanceDeposit        BalanceEventType = "DEPOSIT"
)

// LedgerPosition is a position owned by the ledger. All mutations go through events.
type LedgerPosition struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"accountId"`
	Status         PositionStatus   `json:"status"`
	Direction      DecisionType     `json:"direction"`
	EntryPrice     decimal.Decimal  `json:"entryPrice"`
	ExitPrice      *decimal.Decimal `json:"exitPrice,omitempty"`
	Size           decimal.Decimal  `json:"size"`
	MarginRequired decimal.Decimal  `json:"marginRequired"`
	RealizedPnL    *decimal.Decimal `json:"realizedPnl,omitempty"`
	OpenedAt       time.Time        `json:"openedAt"`
	ClosedAt       *time.Time       `json:"closedAt,omitempty"`
}

// PositionEvent is one append-only step in a position's lifecycle.
type PositionEvent struct {
	ID         string            `json:"id"`
	PositionID string            `json:"positionId"`
	EventType  PositionEventType `json:"eventType"`
	Payload    string            `json:"payload"`
	Timestamp  time.Time         `json:"timestamp"`
}

// BalanceEvent is one append-only ledger entry.
// Invariant: BalanceAfter = BalanceBefore + Amount, and consecutive events on
// an account chain BalanceBefore(n+1) = BalanceAfter(n).
type BalanceEvent struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"accountId"`
	EventType     BalanceEventType `json:"eventType"`
	PositionID    string           `json:"positionId,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	BalanceBefore decimal.Decimal  `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal  `json:"balanceAfter"`
	Timestamp     time.Time        `json:"timestamp"`
}

// AccountState is the materialized view of an account, reproducible by replay.
type AccountState struct {
	AccountID      string          `json:"accountId"`
	Balance        decimal.Decimal `json:"balance"`
	ReservedMargin decimal.Decimal `json:"reservedMargin"`
	OpenPositions  int             `json:"openPositions"`
	EventCount     int             `json:"eventCount"`
}
