package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricelab-backend/scheduler"
	"pricelab-backend/services"
)

// TaskTypeBacktest is the payload type tag for trading simulations
const TaskTypeBacktest = "backtest"

// BacktestParams are the parameters of a backtest payload
type BacktestParams struct {
	Type           string  `json:"type"`
	Symbol         string  `json:"symbol"`
	StartDate      string  `json:"start_date"` // 2006-01-02
	EndDate        string  `json:"end_date"`
	InitialCapital float64 `json:"initial_capital"`
	Commission     float64 `json:"commission"` // rate, e.g. 0.0015
	ShortWindow    int     `json:"short_window"`
	LongWindow     int     `json:"long_window"`
}

// BacktestResult summarizes a finished simulation
type BacktestResult struct {
	Symbol         string          `json:"symbol"`
	Days           int             `json:"days"`
	Trades         int             `json:"trades"`
	WinningTrades  int             `json:"winning_trades"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
}

// BacktestWorker simulates a long-only SMA-crossover strategy over the
// stored price history of one symbol
type BacktestWorker struct {
	market *services.MarketDataService
}

// NewBacktestWorker returns a worker reading bars from market
func NewBacktestWorker(market *services.MarketDataService) *BacktestWorker {
	return &BacktestWorker{market: market}
}

// Run executes the simulation described by the payload
func (w *BacktestWorker) Run(ctx context.Context, payload json.RawMessage, report scheduler.ProgressFunc) (json.RawMessage, error) {
	var params BacktestParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, fmt.Errorf("bad backtest payload: %w", err)
	}
	if params.Symbol == "" {
		return nil, fmt.Errorf("backtest payload is missing symbol")
	}
	start, err := time.Parse("2006-01-02", params.StartDate)
	if err != nil {
		return nil, fmt.Errorf("bad start_date: %w", err)
	}
	end, err := time.Parse("2006-01-02", params.EndDate)
	if err != nil {
		return nil, fmt.Errorf("bad end_date: %w", err)
	}
	if params.InitialCapital <= 0 {
		params.InitialCapital = 100000
	}
	if params.ShortWindow <= 0 {
		params.ShortWindow = 10
	}
	if params.LongWindow <= params.ShortWindow {
		params.LongWindow = params.ShortWindow * 3
	}

	candles, err := w.market.GetCandles(params.Symbol, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) <= params.LongWindow {
		return nil, fmt.Errorf("not enough price history for %s: have %d bars, need more than %d",
			params.Symbol, len(candles), params.LongWindow)
	}

	capital := decimal.NewFromFloat(params.InitialCapital)
	commission := decimal.NewFromFloat(params.Commission)
	cash := capital
	var quantity int64
	var entryCost decimal.Decimal
	trades, wins := 0, 0

	for i := params.LongWindow; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		price := decimal.NewFromFloat(candles[i].Close)
		shortMA := sma(candles, i, params.ShortWindow)
		longMA := sma(candles, i, params.LongWindow)

		if quantity == 0 && shortMA.GreaterThan(longMA) {
			// Enter: invest all cash at the close
			qty := cash.Div(price.Mul(decimal.NewFromInt(1).Add(commission))).IntPart()
			if qty > 0 {
				cost := price.Mul(decimal.NewFromInt(qty))
				fee := cost.Mul(commission)
				cash = cash.Sub(cost).Sub(fee)
				quantity = qty
				entryCost = cost.Add(fee)
			}
		} else if quantity > 0 && shortMA.LessThan(longMA) {
			// Exit at the close
			proceeds := price.Mul(decimal.NewFromInt(quantity))
			fee := proceeds.Mul(commission)
			cash = cash.Add(proceeds).Sub(fee)
			trades++
			if proceeds.Sub(fee).GreaterThan(entryCost) {
				wins++
			}
			quantity = 0
		}

		// Progress on day granularity keeps cancel latency to one bar
		processed := i - params.LongWindow + 1
		total := len(candles) - params.LongWindow
		report(processed*100/total, "")
	}

	// Liquidate any open position at the final close
	if quantity > 0 {
		price := decimal.NewFromFloat(candles[len(candles)-1].Close)
		proceeds := price.Mul(decimal.NewFromInt(quantity))
		fee := proceeds.Mul(commission)
		cash = cash.Add(proceeds).Sub(fee)
		trades++
		if proceeds.Sub(fee).GreaterThan(entryCost) {
			wins++
		}
	}

	returnPct := cash.Sub(capital).Div(capital).Mul(decimal.NewFromInt(100)).Round(4)
	result := BacktestResult{
		Symbol:         params.Symbol,
		Days:           len(candles),
		Trades:         trades,
		WinningTrades:  wins,
		InitialCapital: capital,
		FinalEquity:    cash.Round(2),
		TotalReturnPct: returnPct,
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backtest result: %w", err)
	}
	return data, nil
}

// sma computes the simple moving average of closes ending at index i
func sma(candles []services.Candle, i, window int) decimal.Decimal {
	sum := decimal.Zero
	for j := i - window + 1; j <= i; j++ {
		sum = sum.Add(decimal.NewFromFloat(candles[j].Close))
	}
	return sum.Div(decimal.NewFromInt(int64(window)))
}
