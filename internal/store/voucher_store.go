// Package store provides the Store layer: connection/transaction
// management and the primitive operations over vouchers, pools, and audit
// records described in spec §4.1, each executed within a caller-supplied
// transaction.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
	"github.com/fairyhunter13/scalable-coupon-system/pkg/database"
)

const pgUniqueViolation = "23505"

// TxQuerier is the subset of pgxpool.Pool / pgx.Tx every Store method
// needs; callers pass either depending on whether they are inside a
// transaction already.
type TxQuerier = database.TxQuerier

// VoucherStore provides data access for pools and vouchers using pgx.
type VoucherStore struct {
	pool TxQuerier
}

// NewVoucherStore creates a VoucherStore bound to a live connection pool.
func NewVoucherStore(pool *pgxpool.Pool) *VoucherStore {
	return &VoucherStore{pool: pool}
}

// NewVoucherStoreWithQuerier creates a VoucherStore over an arbitrary
// TxQuerier. Primarily used for testing.
func NewVoucherStoreWithQuerier(q TxQuerier) *VoucherStore {
	return &VoucherStore{pool: q}
}

// EnsurePool registers pool in the pools table if it is not already
// present. Called by ImportVouchers so a pool becomes visible to
// PoolExists as soon as its first import commits.
func (s *VoucherStore) EnsurePool(ctx context.Context, tx TxQuerier, pool string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pools (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, pool)
	if err != nil {
		return fmt.Errorf("ensure pool %s: %w", pool, err)
	}
	return nil
}

// PoolExists reports whether any schema/state has been established for
// pool.
func (s *VoucherStore) PoolExists(ctx context.Context, pool string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pools WHERE name = $1)`, pool).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pool exists %s: %w", pool, err)
	}
	return exists, nil
}

// InsertVouchers bulk inserts rows into pool. Fails with
// apperror.ErrDuplicateVoucher on a (pool, operator, denomination,
// voucher) unique-constraint violation; the caller's transaction is
// expected to roll back the whole batch in that case.
func (s *VoucherStore) InsertVouchers(ctx context.Context, tx TxQuerier, pool string, rows []model.VoucherRow) error {
	for _, row := range rows {
		_, err := tx.Exec(ctx,
			`INSERT INTO vouchers (pool, operator, denomination, voucher) VALUES ($1, $2, $3, $4)`,
			pool, row.Operator, row.Denomination, row.Voucher)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return apperror.ErrDuplicateVoucher
			}
			return fmt.Errorf("insert vouchers into %s: %w", pool, err)
		}
	}
	return nil
}

// ClaimVoucher atomically marks one unused voucher matching (operator,
// denomination) as used and returns it. Uses SELECT ... FOR UPDATE SKIP
// LOCKED over a filtered subquery so two concurrent claims never return
// the same row. Returns apperror.ErrNoVoucherAvailable when no matching
// unused row exists.
func (s *VoucherStore) ClaimVoucher(ctx context.Context, tx TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
	query := `
		UPDATE vouchers SET used = true
		WHERE id = (
			SELECT id FROM vouchers
			WHERE pool = $1 AND operator = $2 AND denomination = $3 AND used = false
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, pool, operator, denomination, voucher, used, created_at`

	var v model.Voucher
	err := tx.QueryRow(ctx, query, pool, operator, denomination).Scan(
		&v.ID, &v.Pool, &v.Operator, &v.Denomination, &v.Voucher, &v.Used, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.ErrNoVoucherAvailable
		}
		return nil, fmt.Errorf("claim voucher in %s/%s/%s: %w", pool, operator, denomination, err)
	}
	return &v, nil
}

// ClaimFilter narrows a ClaimMany call to a single (operator, denomination)
// pair and how many of it the caller wants.
type ClaimFilter struct {
	Operator     string
	Denomination string
	Count        int
}

// ClaimManyResult is the outcome of a single filter's claim attempt.
type ClaimManyResult struct {
	Filter  ClaimFilter
	Claimed []model.Voucher
	// Available is len(Claimed) when the filter was fully satisfied, else
	// len(Claimed) plus the matching unused rows still left afterwards.
	Available int
}

// ClaimMany atomically marks up to filter.Count rows used per filter and
// returns them, each claim running inside the same transaction tx. An
// empty Operator or Denomination in a filter matches any value. The
// residual (how many could not be supplied) is Filter.Count -
// len(Claimed); Available reports how many rows existed at claim time so
// the pool layer can build shortfall warnings even under concurrent
// drains.
func (s *VoucherStore) ClaimMany(ctx context.Context, tx TxQuerier, pool string, filters []ClaimFilter) ([]ClaimManyResult, error) {
	results := make([]ClaimManyResult, 0, len(filters))
	for _, f := range filters {
		result := ClaimManyResult{Filter: f}

		query := `
			UPDATE vouchers SET used = true
			WHERE id IN (
				SELECT id FROM vouchers
				WHERE pool = $1 AND ($2 = '' OR operator = $2) AND ($3 = '' OR denomination = $3) AND used = false
				ORDER BY id
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING id, pool, operator, denomination, voucher, used, created_at`

		rows, err := tx.Query(ctx, query, pool, f.Operator, f.Denomination, f.Count)
		if err != nil {
			return nil, fmt.Errorf("claim many in %s/%s/%s: %w", pool, f.Operator, f.Denomination, err)
		}
		for rows.Next() {
			var v model.Voucher
			if err := rows.Scan(&v.ID, &v.Pool, &v.Operator, &v.Denomination, &v.Voucher, &v.Used, &v.CreatedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan claimed voucher: %w", err)
			}
			result.Claimed = append(result.Claimed, v)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate claimed vouchers: %w", err)
		}

		result.Available = len(result.Claimed)
		if len(result.Claimed) < f.Count {
			// Count the remainder that is genuinely unavailable (as
			// opposed to claimed by this very call) for the warning.
			var remaining int
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM vouchers WHERE pool = $1 AND ($2 = '' OR operator = $2) AND ($3 = '' OR denomination = $3) AND used = false`,
				pool, f.Operator, f.Denomination).Scan(&remaining)
			if err != nil {
				return nil, fmt.Errorf("count remaining vouchers: %w", err)
			}
			result.Available = len(result.Claimed) + remaining
		}

		results = append(results, result)
	}
	return results, nil
}

// CountVouchers returns the (operator, denomination, used) -> count
// grouping for pool.
func (s *VoucherStore) CountVouchers(ctx context.Context, pool string) ([]model.VoucherCount, error) {
	query := `
		SELECT operator, denomination, used, COUNT(*)
		FROM vouchers
		WHERE pool = $1
		GROUP BY operator, denomination, used
		ORDER BY operator, denomination, used`

	rows, err := s.pool.Query(ctx, query, pool)
	if err != nil {
		return nil, fmt.Errorf("count vouchers in %s: %w", pool, err)
	}
	defer rows.Close()

	var counts []model.VoucherCount
	for rows.Next() {
		var c model.VoucherCount
		if err := rows.Scan(&c.Operator, &c.Denomination, &c.Used, &c.Count); err != nil {
			return nil, fmt.Errorf("scan voucher count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate voucher counts: %w", err)
	}
	if counts == nil {
		counts = []model.VoucherCount{}
	}
	return counts, nil
}
