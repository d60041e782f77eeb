package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidOptionsType   = errors.New("invalid options type")
	ErrUnsupportedSymbol    = errors.New("unsupported symbol")
	ErrCapabilityMissing    = errors.New("adapter capability missing")
	ErrLiquidationTriggered = errors.New("liquidation triggered")
	ErrNoPosition           = errors.New("no open position")
	ErrDirectionMismatch    = errors.New("position direction mismatch")
	ErrInvalidPartial       = errors.New("invalid partial selection")
	ErrLockHeld             = errors.New("lock already held")
)

// LiquidationError reports a forced close that replaced the requested operation.
type LiquidationError struct {
	Symbol      string
	Price       float64
	Size        float64
	IsLong      bool
	MarginRatio float64
	RealizedPnL float64
}

func (e *LiquidationError) Error() string {
	return fmt.Sprintf("%s: position %s liquidated at %.8f (margin ratio %.6f)",
		ErrLiquidationTriggered, e.Symbol, e.Price, e.MarginRatio)
}

// Is matches ErrLiquidationTriggered.
func (e *LiquidationError) Is(target error) bool {
	return target == ErrLiquidationTriggered
}
