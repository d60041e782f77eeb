// Package archive copies the signal log of a market to object storage as
// JSON Lines.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// ObjectPutter is the subset of *s3.Client used by the archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Result describes one written archive object.
type Result struct {
	Symbol  string     `json:"symbol"`
	Key     string     `json:"key"`
	Count   int        `json:"count"`
	Oldest  *time.Time `json:"oldest,omitempty"`
	Newest  *time.Time `json:"newest,omitempty"`
	Written time.Time  `json:"written_at"`
}

// Archiver writes a market's signals to a bucket.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	signals domain.SignalStore
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an Archiver.
func New(client ObjectPutter, bucket string, signals domain.SignalStore, logger zerolog.Logger) *Archiver {
	return &Archiver{
		client:  client,
		bucket:  bucket,
		signals: signals,
		logger:  logger.With().Str("component", "archive").Logger(),
		now:     time.Now,
	}
}

// Key returns the object key for an archive of symbol written at t.
func Key(symbol string, t time.Time) string {
	return fmt.Sprintf("signals/%s/%d.jsonl", symbol, t.Unix())
}

// ArchiveSymbol pages through every signal of symbol using the log cursor and
// uploads them oldest first, one JSON object per line. The log is left intact.
func (a *Archiver) ArchiveSymbol(ctx context.Context, symbol string) (Result, error) {
	start := a.now()
	var all []domain.TradingSignal
	q := domain.SignalQuery{Symbol: symbol, Limit: domain.MaxSignalLimit}
	for {
		page, err := a.signals.QuerySignals(ctx, q)
		if err != nil {
			return Result{}, fmt.Errorf("query signals %s: %w", symbol, err)
		}
		all = append(all, page.Signals...)
		if page.NextCursor == nil {
			break
		}
		q.Cursor = page.NextCursor
	}
	slices.Reverse(all)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range all {
		if err := enc.Encode(&all[i]); err != nil {
			return Result{}, fmt.Errorf("encode signal %s: %w", all[i].ID, err)
		}
	}

	key := Key(symbol, start)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("put object %s: %w", key, err)
	}

	res := Result{Symbol: symbol, Key: key, Count: len(all), Written: start}
	if len(all) > 0 {
		oldest, newest := all[0].Timestamp, all[len(all)-1].Timestamp
		res.Oldest, res.Newest = &oldest, &newest
	}
	a.logger.Info().
		Str("symbol", symbol).
		Str("key", key).
		Int("count", res.Count).
		Dur("duration", time.Since(start)).
		Msg("archived signals")
	return res, nil
}
