package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS token_pnl_reports (
        run_ts           TIMESTAMPTZ NOT NULL,
        chain            TEXT NOT NULL,
        wallet           TEXT NOT NULL,
        ticker           TEXT NOT NULL,
        contract_address TEXT NOT NULL,
        current_balance  NUMERIC NOT NULL,
        current_price    NUMERIC NOT NULL,
        current_value    NUMERIC NOT NULL,
        avg_cost_basis   NUMERIC NOT NULL,
        total_invested   NUMERIC NOT NULL,
        realized_pnl     NUMERIC NOT NULL,
        unrealized_pnl   NUMERIC NOT NULL,
        total_pnl        NUMERIC NOT NULL,
        roi_percent      NUMERIC,
        positions_opened INT NOT NULL DEFAULT 0,
        positions_closed INT NOT NULL DEFAULT 0,
        warnings         TEXT[] NOT NULL DEFAULT '{}',
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (run_ts, chain, wallet, contract_address)
    );
    CREATE INDEX IF NOT EXISTS idx_token_pnl_reports_wallet
        ON token_pnl_reports (chain, wallet, run_ts DESC);`

	upsertReportSQL = `INSERT INTO token_pnl_reports (
        run_ts,
        chain,
        wallet,
        ticker,
        contract_address,
        current_balance,
        current_price,
        current_value,
        avg_cost_basis,
        total_invested,
        realized_pnl,
        unrealized_pnl,
        total_pnl,
        roi_percent,
        positions_opened,
        positions_closed,
        warnings
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    )
    ON CONFLICT (run_ts, chain, wallet, contract_address) DO UPDATE
    SET
        ticker           = EXCLUDED.ticker,
        current_balance  = EXCLUDED.current_balance,
        current_price    = EXCLUDED.current_price,
        current_value    = EXCLUDED.current_value,
        avg_cost_basis   = EXCLUDED.avg_cost_basis,
        total_invested   = EXCLUDED.total_invested,
        realized_pnl     = EXCLUDED.realized_pnl,
        unrealized_pnl   = EXCLUDED.unrealized_pnl,
        total_pnl        = EXCLUDED.total_pnl,
        roi_percent      = EXCLUDED.roi_percent,
        positions_opened = EXCLUDED.positions_opened,
        positions_closed = EXCLUDED.positions_closed,
        warnings         = EXCLUDED.warnings;`

	reportColumnsSQL = `run_ts,
        chain,
        wallet,
        ticker,
        contract_address,
        current_balance::text,
        current_price::text,
        current_value::text,
        avg_cost_basis::text,
        total_invested::text,
        realized_pnl::text,
        unrealized_pnl::text,
        total_pnl::text,
        roi_percent::text,
        positions_opened,
        positions_closed,
        warnings,
        created_at`

	listRecentReportsSQL = `SELECT ` + reportColumnsSQL + `
    FROM token_pnl_reports
    ORDER BY run_ts DESC, chain, wallet, ticker
    LIMIT $1;`

	listReportsForWalletSQL = `SELECT ` + reportColumnsSQL + `
    FROM token_pnl_reports
    WHERE chain = $1
      AND wallet = $2
    ORDER BY run_ts DESC, ticker
    LIMIT $3;`

	listReportsBetweenSQL = `SELECT ` + reportColumnsSQL + `
    FROM token_pnl_reports
    WHERE run_ts >= $1
      AND run_ts < $2
    ORDER BY run_ts, chain, wallet, ticker
    LIMIT $3;`

	countReportsSQL = `SELECT COUNT(*) FROM token_pnl_reports;`

	deleteReportsBeforeSQL = `DELETE FROM token_pnl_reports WHERE run_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReportStore defines operations for PNL report persistence.
type ReportStore interface {
	UpsertTokenReport(ctx context.Context, report TokenReport) error
	ListRecentReports(ctx context.Context, limit int) ([]TokenReport, error)
	ListReportsForWallet(ctx context.Context, chain, wallet string, limit int) ([]TokenReport, error)
	ListReportsBetween(ctx context.Context, from, to time.Time, limit int) ([]TokenReport, error)
	CountReports(ctx context.Context) (int64, error)
	DeleteReportsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to persisted PNL reports.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the reports table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, createSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; the lock dies with the connection anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertTokenReport persists or updates a token PNL report.
func (s *Store) UpsertTokenReport(ctx context.Context, report TokenReport) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var roi interface{}
	if report.ROIPercent != nil {
		roi = report.ROIPercent.String()
	}

	warnings := report.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	_, execErr := pool.Exec(ctx, upsertReportSQL,
		report.RunTS,
		report.Chain,
		report.Wallet,
		report.Ticker,
		report.ContractAddress,
		report.CurrentBalance.String(),
		report.CurrentPrice.String(),
		report.CurrentValue.String(),
		report.AvgCostBasis.String(),
		report.Invested.String(),
		report.RealizedPNL.String(),
		report.UnrealizedPNL.String(),
		report.TotalPNL.String(),
		roi,
		report.PositionsOpened,
		report.PositionsClosed,
		warnings,
	)
	if execErr != nil {
		return fmt.Errorf("upsert token report: %w", execErr)
	}
	return nil
}

// ListRecentReports lists the most recent reports ordered by descending run timestamp.
func (s *Store) ListRecentReports(ctx context.Context, limit int) ([]TokenReport, error) {
	return s.queryReports(ctx, listRecentReportsSQL, limit)
}

// ListReportsForWallet lists reports for one wallet on one chain, newest first.
func (s *Store) ListReportsForWallet(ctx context.Context, chain, wallet string, limit int) ([]TokenReport, error) {
	return s.queryReports(ctx, listReportsForWalletSQL, chain, wallet, limit)
}

// ListReportsBetween lists reports within a run-timestamp window.
func (s *Store) ListReportsBetween(ctx context.Context, from, to time.Time, limit int) ([]TokenReport, error) {
	return s.queryReports(ctx, listReportsBetweenSQL, from, to, limit)
}

func (s *Store) queryReports(ctx context.Context, sql string, args ...interface{}) ([]TokenReport, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list token reports: %w", queryErr)
	}
	defer rows.Close()

	reports := make([]TokenReport, 0)
	for rows.Next() {
		report, scanErr := scanTokenReport(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		reports = append(reports, report)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}

// CountReports counts stored reports.
func (s *Store) CountReports(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReportsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count reports: %w", scanErr)
	}
	return count, nil
}

// DeleteReportsBefore deletes historical reports.
func (s *Store) DeleteReportsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteReportsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete reports before: %w", execErr)
	}
	return nil
}

func scanTokenReport(rows pgx.Rows) (TokenReport, error) {
	var (
		report      TokenReport
		balanceStr  string
		priceStr    string
		valueStr    string
		avgCostStr  string
		investedStr string
		realizedStr string
		unrealStr   string
		totalStr    string
		roiStr      *string
	)

	if err := rows.Scan(
		&report.RunTS,
		&report.Chain,
		&report.Wallet,
		&report.Ticker,
		&report.ContractAddress,
		&balanceStr,
		&priceStr,
		&valueStr,
		&avgCostStr,
		&investedStr,
		&realizedStr,
		&unrealStr,
		&totalStr,
		&roiStr,
		&report.PositionsOpened,
		&report.PositionsClosed,
		&report.Warnings,
		&report.CreatedAt,
	); err != nil {
		return TokenReport{}, err
	}

	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&report.CurrentBalance, balanceStr, "current balance"},
		{&report.CurrentPrice, priceStr, "current price"},
		{&report.CurrentValue, valueStr, "current value"},
		{&report.AvgCostBasis, avgCostStr, "avg cost basis"},
		{&report.Invested, investedStr, "total invested"},
		{&report.RealizedPNL, realizedStr, "realized pnl"},
		{&report.UnrealizedPNL, unrealStr, "unrealized pnl"},
		{&report.TotalPNL, totalStr, "total pnl"},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.src)
		if err != nil {
			return TokenReport{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = value
	}

	if roiStr != nil {
		roi, err := decimal.NewFromString(*roiStr)
		if err != nil {
			return TokenReport{}, fmt.Errorf("parse roi percent: %w", err)
		}
		report.ROIPercent = &roi
	}

	return report, nil
}
