package workers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricelab-backend/services"
)

// seedTrendingSeries writes a deterministic series: flat, then a steady
// rally, then a steady selloff. An SMA crossover strategy enters during
// the rally and exits on the way down.
func seedTrendingSeries(t *testing.T, market *services.MarketDataService, symbol string, days int) time.Time {
	t.Helper()
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < days; i++ {
		switch {
		case i < days/3:
			// flat
		case i < 2*days/3:
			price += 1.5
		default:
			price -= 1.0
		}
		candle := &services.Candle{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Open:   price - 0.5,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: 1000000,
		}
		require.NoError(t, market.UpsertCandle(candle))
	}
	return start
}

func newTestMarket(t *testing.T) *services.MarketDataService {
	t.Helper()
	market, err := services.NewMarketDataService(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { market.Close() })
	return market
}

func TestBacktestWorkerRun(t *testing.T) {
	market := newTestMarket(t)
	start := seedTrendingSeries(t, market, "VNM", 120)
	end := start.AddDate(0, 0, 119)

	w := NewBacktestWorker(market)
	sink := &progressSink{}

	payload, err := json.Marshal(BacktestParams{
		Type:           TaskTypeBacktest,
		Symbol:         "VNM",
		StartDate:      start.Format("2006-01-02"),
		EndDate:        end.Format("2006-01-02"),
		InitialCapital: 50000,
		Commission:     0.0015,
		ShortWindow:    5,
		LongWindow:     20,
	})
	require.NoError(t, err)

	data, err := w.Run(context.Background(), payload, sink.report)
	require.NoError(t, err)

	var result BacktestResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "VNM", result.Symbol)
	assert.Equal(t, 120, result.Days)
	assert.Greater(t, result.Trades, 0, "the rally must trigger at least one round trip")
	assert.True(t, result.FinalEquity.IsPositive())
	assert.False(t, result.TotalReturnPct.IsZero())

	require.NotEmpty(t, sink.progress)
	assert.Equal(t, 100, sink.progress[len(sink.progress)-1])
}

func TestBacktestWorkerRejectsBadPayload(t *testing.T) {
	w := NewBacktestWorker(newTestMarket(t))
	sink := &progressSink{}
	ctx := context.Background()

	_, err := w.Run(ctx, json.RawMessage(`{bad`), sink.report)
	assert.Error(t, err)

	_, err = w.Run(ctx, json.RawMessage(`{"type":"backtest"}`), sink.report)
	assert.Error(t, err, "symbol is required")

	_, err = w.Run(ctx, json.RawMessage(`{"type":"backtest","symbol":"VNM","start_date":"nope","end_date":"2024-06-01"}`), sink.report)
	assert.Error(t, err)
}

func TestBacktestWorkerNeedsEnoughHistory(t *testing.T) {
	market := newTestMarket(t)
	start := seedTrendingSeries(t, market, "FPT", 15)

	w := NewBacktestWorker(market)
	sink := &progressSink{}

	payload, err := json.Marshal(BacktestParams{
		Type:      TaskTypeBacktest,
		Symbol:    "FPT",
		StartDate: start.Format("2006-01-02"),
		EndDate:   start.AddDate(0, 0, 14).Format("2006-01-02"),
	})
	require.NoError(t, err)

	_, err = w.Run(context.Background(), payload, sink.report)
	assert.Error(t, err, "fewer bars than the long window cannot be simulated")
}

func TestBacktestWorkerStopsOnCancel(t *testing.T) {
	market := newTestMarket(t)
	start := seedTrendingSeries(t, market, "HPG", 200)

	w := NewBacktestWorker(market)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	report := func(progress int, message string) {
		calls++
		if calls == 3 {
			cancel()
		}
	}

	payload, err := json.Marshal(BacktestParams{
		Type:        TaskTypeBacktest,
		Symbol:      "HPG",
		StartDate:   start.Format("2006-01-02"),
		EndDate:     start.AddDate(0, 0, 199).Format("2006-01-02"),
		ShortWindow: 5,
		LongWindow:  10,
	})
	require.NoError(t, err)

	_, err = w.Run(ctx, payload, report)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 180, "worker must stop at the next bar")
}
