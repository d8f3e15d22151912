package services

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MarketDataService stores daily OHLCV candles in a local SQLite file.
// Training and backtest workers read their price series from here.
type MarketDataService struct {
	db *sql.DB
	mu sync.RWMutex
}

// Candle represents one daily price bar
type Candle struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// NewMarketDataService opens (creating if needed) the market database
func NewMarketDataService(path string) (*MarketDataService, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open market database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping market database: %w", err)
	}

	s := &MarketDataService{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}

	log.Printf("Market database initialized at %s", path)
	return s, nil
}

// Close closes the underlying database
func (s *MarketDataService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *MarketDataService) createTables() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candlesTable := `
		CREATE TABLE IF NOT EXISTS price_history (
			symbol VARCHAR NOT NULL,
			date DATE NOT NULL,
			open DOUBLE,
			high DOUBLE,
			low DOUBLE,
			close DOUBLE,
			volume DOUBLE,
			PRIMARY KEY (symbol, date)
		)
	`
	if _, err := s.db.Exec(candlesTable); err != nil {
		return fmt.Errorf("failed to create price_history table: %w", err)
	}
	return nil
}

// UpsertCandle inserts or replaces one daily bar
func (s *MarketDataService) UpsertCandle(c *Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO price_history (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.Symbol, c.Date.Format("2006-01-02"), c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s/%s: %w", c.Symbol, c.Date.Format("2006-01-02"), err)
	}
	return nil
}

// GetCandles returns the bars for a symbol between start and end
// (inclusive), oldest first
func (s *MarketDataService) GetCandles(symbol string, start, end time.Time) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT symbol, date, open, high, low, close, volume
		FROM price_history
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`
	rows, err := s.db.Query(query, symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query candles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var candles []Candle
	for rows.Next() {
		var c Candle
		var dateStr string
		if err := rows.Scan(&c.Symbol, &dateStr, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		date, err := time.Parse("2006-01-02", dateStr[:10])
		if err != nil {
			return nil, fmt.Errorf("bad date %q in price_history: %w", dateStr, err)
		}
		c.Date = date
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error while reading candles: %w", err)
	}
	return candles, nil
}

// CandleCount returns how many bars are stored for a symbol
func (s *MarketDataService) CandleCount(symbol string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM price_history WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles for %s: %w", symbol, err)
	}
	return count, nil
}
