// Package pool implements the Voucher Pool domain object: issue, import,
// export, count, and audit-query, each composing the Store and Audit Log
// layers and enforcing the invariants in spec §3 and §4.3.
package pool

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/audit"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
	"github.com/fairyhunter13/scalable-coupon-system/internal/store"
)

// VoucherStore is the subset of store.VoucherStore the pool needs.
type VoucherStore interface {
	EnsurePool(ctx context.Context, tx store.TxQuerier, pool string) error
	PoolExists(ctx context.Context, pool string) (bool, error)
	InsertVouchers(ctx context.Context, tx store.TxQuerier, pool string, rows []model.VoucherRow) error
	ClaimVoucher(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error)
	ClaimMany(ctx context.Context, tx store.TxQuerier, pool string, filters []store.ClaimFilter) ([]store.ClaimManyResult, error)
	CountVouchers(ctx context.Context, pool string) ([]model.VoucherCount, error)
}

// AuditStore is the subset of store.AuditStore the pool needs for
// read-only audit_query; mutating audit bookkeeping goes through the
// audit.Log layer instead.
type AuditStore interface {
	QueryAudit(ctx context.Context, pool string, field store.AuditField, value string) ([]model.AuditRecord, error)
}

// Beginner begins a transaction. Satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is a transient handle scoped to the named voucher pool. It holds
// no state of its own beyond its dependencies; every operation's state
// lives entirely in the Store.
type Pool struct {
	name       string
	db         Beginner
	vouchers   VoucherStore
	audits     AuditStore
	auditLog   *audit.Log
}

// New creates a Pool handle for name.
func New(name string, db *pgxpool.Pool, vouchers VoucherStore, audits AuditStore, auditLog *audit.Log) *Pool {
	return &Pool{name: name, db: db, vouchers: vouchers, audits: audits, auditLog: auditLog}
}

// NewWithBeginner creates a Pool handle over an arbitrary Beginner.
// Primarily used for testing.
func NewWithBeginner(name string, db Beginner, vouchers VoucherStore, audits AuditStore, auditLog *audit.Log) *Pool {
	return &Pool{name: name, db: db, vouchers: vouchers, audits: audits, auditLog: auditLog}
}

// IssueResponse is the success payload of IssueVoucher.
type IssueResponse struct {
	Voucher string `json:"voucher"`
}

// IssueVoucher atomically claims one unused voucher matching (operator,
// denomination) from the pool. See spec §4.3.
func (p *Pool) IssueVoucher(ctx context.Context, operator, denomination string, id audit.Identity) (*IssueResponse, error) {
	exists, err := p.vouchers.PoolExists(ctx, p.name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperror.ErrNoVoucherPool
	}

	fp, err := audit.Canonicalize(audit.IssueFingerprint{Operator: operator, Denomination: denomination})
	if err != nil {
		return nil, fmt.Errorf("canonicalize issue fingerprint: %w", err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	resp, err := p.auditLog.Do(ctx, tx, p.name, id, fp,
		audit.IssueFingerprint{Operator: operator, Denomination: denomination},
		func(ctx context.Context, tx store.TxQuerier) (audit.Outcome, error) {
			v, err := p.vouchers.ClaimVoucher(ctx, tx, p.name, operator, denomination)
			if err != nil {
				if errors.Is(err, apperror.ErrNoVoucherAvailable) {
					return audit.Outcome{}, audit.Recordable(apperror.ErrNoVoucherAvailable.Message, apperror.ErrNoVoucherAvailable)
				}
				return audit.Outcome{}, err
			}
			payload, err := json.Marshal(IssueResponse{Voucher: v.Voucher})
			if err != nil {
				return audit.Outcome{}, fmt.Errorf("marshal issue response: %w", err)
			}
			return audit.Outcome{Response: payload}, nil
		})
	if err != nil {
		if errors.Is(err, apperror.ErrNoVoucherAvailable) {
			// The recorded outcome is committed so a replay returns it.
			if cerr := tx.Commit(ctx); cerr != nil {
				return nil, fmt.Errorf("commit issue: %w", cerr)
			}
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit issue: %w", err)
	}

	var out IssueResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("unmarshal issue response: %w", err)
	}
	return &out, nil
}

// ImportResponse is the success payload of ImportVouchers.
type ImportResponse struct {
	Imported bool `json:"imported"`
}

// ImportVouchers bulk-inserts rows into the pool within a single
// transaction. Row values are stored as given; CSV column names are
// lower-cased by csvimport before the rows get here. This is
// the only public entry point for import; there is no lower-level
// shortcut exposed outside tests (see the Open Questions resolution in
// spec §9).
func (p *Pool) ImportVouchers(ctx context.Context, id audit.Identity, contentMD5 string, rows []model.VoucherRow) (*ImportResponse, error) {
	fp, err := audit.Canonicalize(audit.ImportFingerprint{ContentMD5: contentMD5})
	if err != nil {
		return nil, fmt.Errorf("canonicalize import fingerprint: %w", err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The pool row must exist before the audit row that references it.
	if err := p.vouchers.EnsurePool(ctx, tx, p.name); err != nil {
		return nil, err
	}

	resp, err := p.auditLog.Do(ctx, tx, p.name, id, fp,
		audit.ImportFingerprint{ContentMD5: contentMD5},
		func(ctx context.Context, tx store.TxQuerier) (audit.Outcome, error) {
			if err := p.vouchers.InsertVouchers(ctx, tx, p.name, rows); err != nil {
				// DuplicateVoucher aborts the whole import; nothing is
				// retained, including no audit row, since this is not
				// a Recordable error.
				return audit.Outcome{}, err
			}
			payload, err := json.Marshal(ImportResponse{Imported: true})
			if err != nil {
				return audit.Outcome{}, fmt.Errorf("marshal import response: %w", err)
			}
			return audit.Outcome{Response: payload}, nil
		})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}

	var out ImportResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("unmarshal import response: %w", err)
	}
	return &out, nil
}

// ExportResponse is the success payload of ExportVouchers.
type ExportResponse struct {
	Vouchers []model.ExportedVoucher `json:"vouchers"`
	Warnings []model.ExportWarning   `json:"warnings"`
}

// ExportVouchers atomically claims up to count unused vouchers, optionally
// restricted to the (operator, denomination) cross product of operators
// and denominations, marking every returned row used in the same
// transaction that reads it.
func (p *Pool) ExportVouchers(ctx context.Context, id audit.Identity, count *int, operators, denominations []string) (*ExportResponse, error) {
	exists, err := p.vouchers.PoolExists(ctx, p.name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperror.ErrNoVoucherPool
	}

	expFP := audit.NewExportFingerprint(count, operators, denominations)
	fp, err := audit.Canonicalize(expFP)
	if err != nil {
		return nil, fmt.Errorf("canonicalize export fingerprint: %w", err)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	resp, err := p.auditLog.Do(ctx, tx, p.name, id, fp, expFP,
		func(ctx context.Context, tx store.TxQuerier) (audit.Outcome, error) {
			filters := buildClaimFilters(count, operators, denominations)
			results, err := p.vouchers.ClaimMany(ctx, tx, p.name, filters)
			if err != nil {
				return audit.Outcome{}, err
			}

			var vouchers []model.ExportedVoucher
			var warnings []model.ExportWarning
			for _, r := range results {
				for _, v := range r.Claimed {
					vouchers = append(vouchers, model.ExportedVoucher{
						Operator: v.Operator, Denomination: v.Denomination, Voucher: v.Voucher,
					})
				}
				if len(r.Claimed) < r.Filter.Count {
					warnings = append(warnings, model.ExportWarning{
						Operator: r.Filter.Operator, Denomination: r.Filter.Denomination,
						Requested: r.Filter.Count, Available: r.Available,
					})
				}
			}
			if vouchers == nil {
				vouchers = []model.ExportedVoucher{}
			}
			if warnings == nil {
				warnings = []model.ExportWarning{}
			}

			payload, err := json.Marshal(ExportResponse{Vouchers: vouchers, Warnings: warnings})
			if err != nil {
				return audit.Outcome{}, fmt.Errorf("marshal export response: %w", err)
			}
			return audit.Outcome{Response: payload}, nil
		})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit export: %w", err)
	}

	var out ExportResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("unmarshal export response: %w", err)
	}
	return &out, nil
}

// buildClaimFilters expands the (operators, denominations) cross product
// into one store.ClaimFilter per pair, each asking for count vouchers.
// With no operators/denominations restriction, export has no natural
// per-pair grouping to report shortfalls against, so it is treated as a
// single wildcard filter matched against every row regardless of operator
// or denomination.
func buildClaimFilters(count *int, operators, denominations []string) []store.ClaimFilter {
	n := 0
	if count != nil {
		n = *count
	}

	if len(operators) == 0 && len(denominations) == 0 {
		return []store.ClaimFilter{{Count: n}}
	}

	ops := operators
	if len(ops) == 0 {
		ops = []string{""}
	}
	denoms := denominations
	if len(denoms) == 0 {
		denoms = []string{""}
	}

	filters := make([]store.ClaimFilter, 0, len(ops)*len(denoms))
	for _, op := range ops {
		for _, d := range denoms {
			filters = append(filters, store.ClaimFilter{Operator: op, Denomination: d, Count: n})
		}
	}
	return filters
}

// CountVouchers returns the (operator, denomination, used) -> count
// grouping. Read-only; not audited. Fails with apperror.ErrNoVoucherPool
// if the pool has never been imported into.
func (p *Pool) CountVouchers(ctx context.Context) ([]model.VoucherCount, error) {
	exists, err := p.vouchers.PoolExists(ctx, p.name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperror.ErrNoVoucherPool
	}
	return p.vouchers.CountVouchers(ctx, p.name)
}

// QueryAudit returns all audit records where field equals value.
// Read-only audit lookup; not itself audited. Fails with
// apperror.ErrNoVoucherPool if the pool has never been imported into.
func (p *Pool) QueryAudit(ctx context.Context, field store.AuditField, value string) ([]model.AuditRecord, error) {
	exists, err := p.vouchers.PoolExists(ctx, p.name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperror.ErrNoVoucherPool
	}
	return p.audits.QueryAudit(ctx, p.name, field, value)
}

// ContentMD5 computes the lowercase hex MD5 of content, for comparison
// against the caller-supplied Content-MD5 header.
func ContentMD5(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}
