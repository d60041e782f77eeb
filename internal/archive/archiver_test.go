package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/autotrader/internal/domain"
	"github.com/Spot-Canvas/autotrader/internal/store/memory"
)

type fakePutter struct {
	key         string
	bucket      string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.contentType = aws.ToString(in.ContentType)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func seed(t *testing.T, st *memory.Store, symbol string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.AppendSignal(context.Background(), domain.TradingSignal{
			ID:        fmt.Sprintf("%s-%04d", symbol, i),
			Symbol:    symbol,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Type:      domain.SignalHold,
			Reason:    domain.ReasonWithinThresholds,
			Price:     100 + float64(i),
		}))
	}
}

func TestArchiveSymbolPagesEverySignal(t *testing.T) {
	st := memory.New()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	seed(t, st, "BTC-USD", domain.MaxSignalLimit+25, base)
	seed(t, st, "ETH-USD", 3, base)

	put := &fakePutter{}
	a := New(put, "trading-archive", st, zerolog.Nop())
	written := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return written }

	res, err := a.ArchiveSymbol(context.Background(), "BTC-USD")
	require.NoError(t, err)

	assert.Equal(t, domain.MaxSignalLimit+25, res.Count)
	assert.Equal(t, "signals/BTC-USD/1743552000.jsonl", res.Key)
	assert.Equal(t, res.Key, put.key)
	assert.Equal(t, "trading-archive", put.bucket)
	assert.Equal(t, "application/x-ndjson", put.contentType)
	require.NotNil(t, res.Oldest)
	assert.True(t, res.Oldest.Equal(base))

	var prev time.Time
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(put.body))
	for sc.Scan() {
		var sig domain.TradingSignal
		require.NoError(t, json.Unmarshal(sc.Bytes(), &sig))
		assert.Equal(t, "BTC-USD", sig.Symbol)
		assert.True(t, sig.Timestamp.After(prev), "lines must be oldest first")
		prev = sig.Timestamp
		lines++
	}
	assert.Equal(t, res.Count, lines)
	assert.Equal(t, domain.MaxSignalLimit+28, st.Len())
}

func TestArchiveSymbolEmptyAndFailure(t *testing.T) {
	st := memory.New()
	put := &fakePutter{}
	a := New(put, "b", st, zerolog.Nop())

	res, err := a.ArchiveSymbol(context.Background(), "SOL-USD")
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Nil(t, res.Oldest)
	assert.Empty(t, put.body)

	put.err = errors.New("access denied")
	_, err = a.ArchiveSymbol(context.Background(), "SOL-USD")
	assert.ErrorContains(t, err, "access denied")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000"))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com"))
}
