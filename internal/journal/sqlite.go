package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/exec-gateway/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens the journal database and migrates it.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Migrate creates the journal table.
func (j *SQLiteJournal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			idempotency_key TEXT,
			strategy_name TEXT NOT NULL,
			broker TEXT NOT NULL,
			symbol TEXT,
			exchange TEXT,
			contract_id INTEGER NOT NULL DEFAULT 0,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			order_kind TEXT NOT NULL,
			limit_price TEXT NOT NULL DEFAULT '0',
			outcome TEXT NOT NULL,
			order_id TEXT,
			error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_timestamp ON dispatches(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_strategy ON dispatches(strategy_name)`,
	}

	for _, m := range migrations {
		if _, err := j.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Record appends an entry.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	query := `INSERT INTO dispatches (id, timestamp, idempotency_key, strategy_name, broker, symbol,
			exchange, contract_id, side, quantity, order_kind, limit_price, outcome, order_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		e.ID,
		e.Timestamp.UTC(),
		e.IdempotencyKey,
		e.StrategyName,
		e.Broker,
		e.Symbol,
		e.Exchange,
		e.ContractNativeID,
		e.Side.String(),
		e.Quantity.String(),
		e.OrderKind.String(),
		e.LimitPrice.String(),
		string(e.Outcome),
		e.OrderID,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, timestamp, idempotency_key, strategy_name, broker, symbol, exchange,
	contract_id, side, quantity, order_kind, limit_price, outcome, order_id, error FROM dispatches`

// Recent returns the newest entries first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByStrategy returns the newest entries of one strategy first.
func (j *SQLiteJournal) ByStrategy(ctx context.Context, strategy string, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		selectColumns+` WHERE strategy_name = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatches by strategy: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e                         Entry
			ts                        time.Time
			key, symbol, exch         sql.NullString
			orderID, errMsg           sql.NullString
			side, qty, kind, price, o string
		)
		if err := rows.Scan(&e.ID, &ts, &key, &e.StrategyName, &e.Broker, &symbol, &exch,
			&e.ContractNativeID, &side, &qty, &kind, &price, &o, &orderID, &errMsg); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}

		e.Timestamp = ts
		e.IdempotencyKey = key.String
		e.Symbol = symbol.String
		e.Exchange = exch.String
		e.OrderID = orderID.String
		e.Error = errMsg.String
		e.Outcome = Outcome(o)
		e.Side, _ = types.ParseSide(side)
		e.OrderKind, _ = types.ParseOrderKind(kind)
		e.Quantity, _ = decimal.NewFromString(qty)
		e.LimitPrice, _ = decimal.NewFromString(price)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
