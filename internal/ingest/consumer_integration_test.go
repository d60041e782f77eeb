//go:build integration

package ingest_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/indicators"
	"github.com/Spot-Canvas/autotrader/internal/ingest"
)

// Integration test requires NATS with JetStream running on NATS_URLS
// (default: nats://localhost:4222).
//
// Run with: go test -tags=integration ./internal/ingest/ -v

func TestIngestionFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	natsURL := os.Getenv("NATS_URLS")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect to nats: %v", err)
	}
	defer nc.Close()

	cache := indicators.NewCache(time.Hour)
	consumer := ingest.NewConsumer(nc, cache, nil, zerolog.Nop())
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()

	go func() {
		consumer.Start(consumerCtx)
	}()

	// Wait a moment for consumer to be ready
	time.Sleep(time.Second)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("create jetstream: %v", err)
	}

	symbol := "IT-" + time.Now().Format("20060102150405")
	event := ingest.IndicatorEvent{
		Symbol:       symbol,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Price:        50000,
		VWAP:         49900,
		BBUpper:      51000,
		BBLower:      49000,
		RSI:          48,
		PriceHistory: []float64{49900, 50000},
		OBVHistory:   []float64{10, 12},
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	if _, err := js.Publish(ctx, ingest.SubjectPrefix+symbol, data); err != nil {
		t.Fatalf("publish snapshot: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := cache.FetchLatest(ctx, symbol)
		if err == nil {
			if snap.Price != 50000 {
				t.Errorf("expected price 50000, got %f", snap.Price)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot not cached after ingestion: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
