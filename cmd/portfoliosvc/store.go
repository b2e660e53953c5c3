package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Holding is one position in the portfolio.
type Holding struct {
	Symbol      string  `json:"symbol"`
	Shares      int64   `json:"shares"`
	AverageCost float64 `json:"average_cost"`
}

// Store wraps the SQLite holdings database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database and seeds it with sample
// positions when empty, so the service is useful out of the box.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open portfolio db: %w", err)
	}
	// SQLite handles one writer at a time; the service only reads after
	// seeding, but keep the pool honest anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS holdings (
			symbol TEXT PRIMARY KEY,
			shares INTEGER,
			average_cost REAL
		)
	`)
	if err != nil {
		return fmt.Errorf("create holdings table: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM holdings`).Scan(&count); err != nil {
		return fmt.Errorf("count holdings: %w", err)
	}
	if count > 0 {
		return nil
	}
	return s.seed(ctx)
}

func (s *Store) seed(ctx context.Context) error {
	seed := []Holding{
		// Tech
		{"AAPL", 5000, 180.20}, {"MSFT", 3000, 350.50}, {"GOOGL", 1500, 140.10},
		{"NVDA", 800, 450.00}, {"AMD", 2000, 110.30}, {"INTC", 4000, 35.40},
		{"CRM", 1200, 220.10}, {"ADBE", 600, 550.20}, {"ORCL", 2500, 115.50},
		{"CSCO", 3500, 52.10},
		// Finance
		{"JPM", 2000, 150.40}, {"BAC", 5000, 32.10}, {"GS", 500, 340.50},
		{"V", 1000, 240.20}, {"MA", 800, 380.10},
		// Retail & consumer
		{"WMT", 1500, 160.30}, {"TGT", 1000, 130.50}, {"COST", 400, 550.10},
		{"KO", 3000, 58.20}, {"PEP", 2500, 170.40}, {"PG", 2000, 150.10},
		{"NKE", 1200, 105.30}, {"SBUX", 1800, 95.40},
		// Healthcare
		{"JNJ", 2500, 160.20}, {"PFE", 4000, 35.10}, {"UNH", 600, 480.50},
		{"LLY", 400, 580.10}, {"MRK", 2000, 110.20},
		// Energy & industrial
		{"XOM", 3000, 105.40}, {"CVX", 2000, 150.20}, {"GE", 1500, 110.50},
		{"CAT", 800, 280.10}, {"BA", 500, 210.30},
		// Auto
		{"TSLA", 1000, 220.90}, {"F", 5000, 12.10}, {"GM", 4000, 35.40},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO holdings (symbol, shares, average_cost) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare seed insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range seed {
		if _, err := stmt.ExecContext(ctx, h.Symbol, h.Shares, h.AverageCost); err != nil {
			return fmt.Errorf("seed %s: %w", h.Symbol, err)
		}
	}
	return tx.Commit()
}

// BySymbol returns the holding for one symbol, or nil when not held.
func (s *Store) BySymbol(ctx context.Context, symbol string) (*Holding, error) {
	var h Holding
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, shares, average_cost FROM holdings WHERE symbol = ?`, symbol,
	).Scan(&h.Symbol, &h.Shares, &h.AverageCost)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query holding %s: %w", symbol, err)
	}
	return &h, nil
}

// All returns every holding ordered by symbol.
func (s *Store) All(ctx context.Context) ([]Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, shares, average_cost FROM holdings ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.Symbol, &h.Shares, &h.AverageCost); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
