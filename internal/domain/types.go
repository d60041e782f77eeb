package domain

import (
	"time"
)

// Direction represents the direction of a position or signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// DirectionOf returns the direction for the isLong flag.
func DirectionOf(isLong bool) Direction {
	if isLong {
		return DirectionLong
	}
	return DirectionShort
}

// SignalType represents the kind of decision recorded in the signal log.
type SignalType string

const (
	SignalEntry      SignalType = "ENTRY"
	SignalExit       SignalType = "EXIT"
	SignalHold       SignalType = "HOLD"
	SignalNoAction   SignalType = "NO_ACTION"
	SignalAdjustment SignalType = "ADJUSTMENT"
	SignalStopLoss   SignalType = "STOP_LOSS"
	SignalTakeProfit SignalType = "TAKE_PROFIT"
)

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalEntry, SignalExit, SignalHold, SignalNoAction,
		SignalAdjustment, SignalStopLoss, SignalTakeProfit:
		return true
	}
	return false
}

// Reason tags why a signal was emitted.
type Reason string

const (
	ReasonAboveThreshold      Reason = "ABOVE_THRESHOLD"
	ReasonBelowThreshold      Reason = "BELOW_THRESHOLD"
	ReasonSignalReversal      Reason = "SIGNAL_REVERSAL"
	ReasonStopLoss            Reason = "STOP_LOSS"
	ReasonTakeProfit          Reason = "TAKE_PROFIT"
	ReasonWithinThresholds    Reason = "WITHIN_THRESHOLDS"
	ReasonNoSignal            Reason = "NO_SIGNAL"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonShortUnsupported    Reason = "SHORT_UNSUPPORTED"
	ReasonBelowMinimumSize    Reason = "BELOW_MINIMUM_SIZE"
	ReasonLiquidation         Reason = "LIQUIDATION"
	ReasonPartialEntry        Reason = "PARTIAL_ENTRY"
	ReasonMaxPartials         Reason = "MAX_PARTIALS"
	ReasonMarketInactive      Reason = "MARKET_INACTIVE"
	ReasonManualClose         Reason = "MANUAL_CLOSE"
)

// Partial is one independently tracked entry of a layered position.
type Partial struct {
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Position represents the single logical position held in a market.
// Size and EntryPrice are magnitudes; direction is carried by IsLong only.
type Position struct {
	Symbol         string    `json:"symbol"`
	Size           float64   `json:"size"`
	IsLong         bool      `json:"is_long"`
	EntryPrice     float64   `json:"entry_price"`
	MarkPrice      *float64  `json:"mark_price,omitempty"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	RealizedPnL    float64   `json:"realized_pnl"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Partials       []Partial `json:"partials,omitempty"`

	// Leveraged-venue fields (nullable)
	Leverage    *float64 `json:"leverage,omitempty"`
	Margin      *float64 `json:"margin,omitempty"`
	FundingPaid *float64 `json:"funding_paid,omitempty"`
}

// Direction returns the position direction.
func (p *Position) Direction() Direction {
	return DirectionOf(p.IsLong)
}

// PartialsSize returns the sum of all partial sizes.
func (p *Position) PartialsSize() float64 {
	var total float64
	for _, pt := range p.Partials {
		total += pt.Size
	}
	return total
}

// OldestPartial returns the earliest opened partial, or nil without partials.
func (p *Position) OldestPartial() *Partial {
	if len(p.Partials) == 0 {
		return nil
	}
	oldest := &p.Partials[0]
	for i := range p.Partials {
		if p.Partials[i].OpenedAt.Before(oldest.OpenedAt) {
			oldest = &p.Partials[i]
		}
	}
	return oldest
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	out := p
	if p.Partials != nil {
		out.Partials = append([]Partial(nil), p.Partials...)
	}
	out.MarkPrice = cloneFloat(p.MarkPrice)
	out.Leverage = cloneFloat(p.Leverage)
	out.Margin = cloneFloat(p.Margin)
	out.FundingPaid = cloneFloat(p.FundingPaid)
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// PriceDiff returns the signed return of price against entry in the position's
// favour: positive when the position is in profit.
func PriceDiff(entry, price float64, isLong bool) float64 {
	if entry <= 0 {
		return 0
	}
	if isLong {
		return (price - entry) / entry
	}
	return (entry - price) / entry
}

// Stats holds running per-market statistics. Stats outlive the position record.
type Stats struct {
	Symbol        string    `json:"symbol"`
	CumulativePnL float64   `json:"cumulative_pnl"`
	Opens         int       `json:"opens"`
	Closes        int       `json:"closes"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordClose folds a realized PnL into the statistics.
func (s *Stats) RecordClose(pnl float64, at time.Time) {
	s.CumulativePnL += pnl
	s.Closes++
	if pnl > 0 {
		s.Wins++
	} else if pnl < 0 {
		s.Losses++
	}
	s.UpdatedAt = at
}

// RecordOpen counts an opening trade and folds in its entry costs, carried as
// a non-positive realized PnL.
func (s *Stats) RecordOpen(pnl float64, at time.Time) {
	s.CumulativePnL += pnl
	s.Opens++
	s.UpdatedAt = at
}

// IndicatorBreakdown is the per-factor contribution of a TA score.
type IndicatorBreakdown struct {
	VWAP      float64 `json:"vwap"`
	BBands    float64 `json:"bbands"`
	RSI       float64 `json:"rsi"`
	OBV       float64 `json:"obv"`
	Profit    float64 `json:"profit"`
	TimeDecay float64 `json:"time_decay"`
	Total     float64 `json:"total"`
}

// TradingSignal is the immutable record of one decision.
type TradingSignal struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Timestamp     time.Time          `json:"timestamp"`
	Type          SignalType         `json:"type"`
	Direction     *Direction         `json:"direction,omitempty"`
	Reason        Reason             `json:"reason"`
	TAScore       float64            `json:"ta_score"`
	Threshold     float64            `json:"threshold"`
	Price         float64            `json:"price"`
	UnrealizedPnL *float64           `json:"unrealized_pnl,omitempty"`
	Indicators    IndicatorBreakdown `json:"indicators"`
}
