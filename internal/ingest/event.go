package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/indicators"
)

// IndicatorEvent is the JSON structure for indicator snapshots received via NATS.
type IndicatorEvent struct {
	Symbol       string    `json:"symbol"`
	Timestamp    string    `json:"timestamp"`
	Price        float64   `json:"price"`
	VWAP         float64   `json:"vwap"`
	BBUpper      float64   `json:"bb_upper"`
	BBLower      float64   `json:"bb_lower"`
	RSI          float64   `json:"rsi"`
	PriceHistory []float64 `json:"price_history"`
	OBVHistory   []float64 `json:"obv_history"`
}

// Validate checks that the event has all required fields and sane values.
func (e *IndicatorEvent) Validate() error {
	if e.Symbol == "" {
		return fmt.Errorf("missing required field: symbol")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("missing required field: timestamp")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if e.Price <= 0 {
		return fmt.Errorf("price must be positive, got %f", e.Price)
	}
	if e.VWAP <= 0 {
		return fmt.Errorf("vwap must be positive, got %f", e.VWAP)
	}
	if e.BBUpper < e.BBLower {
		return fmt.Errorf("bb_upper %f below bb_lower %f", e.BBUpper, e.BBLower)
	}
	if e.RSI < 0 || e.RSI > 100 {
		return fmt.Errorf("rsi out of range: %f", e.RSI)
	}
	for _, v := range [][]float64{{e.Price, e.VWAP, e.BBUpper, e.BBLower, e.RSI}, e.PriceHistory, e.OBVHistory} {
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("non-finite value in event for %s", e.Symbol)
			}
		}
	}
	return nil
}

// ToDomain converts the event to an indicator snapshot.
func (e *IndicatorEvent) ToDomain() (indicators.Snapshot, error) {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return indicators.Snapshot{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return indicators.Snapshot{
		Symbol:       e.Symbol,
		Timestamp:    ts.UTC(),
		Price:        e.Price,
		VWAP:         e.VWAP,
		BBUpper:      e.BBUpper,
		BBLower:      e.BBLower,
		RSI:          e.RSI,
		PriceHistory: e.PriceHistory,
		OBVHistory:   e.OBVHistory,
	}, nil
}
