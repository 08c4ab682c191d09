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
)

// AuditField restricts query_audit to the three columns spec §4.3 allows
// callers to search by.
type AuditField string

const (
	AuditFieldRequestID     AuditField = "request_id"
	AuditFieldTransactionID AuditField = "transaction_id"
	AuditFieldUserID        AuditField = "user_id"
)

// Valid reports whether f is one of the three permitted audit fields.
func (f AuditField) Valid() bool {
	switch f {
	case AuditFieldRequestID, AuditFieldTransactionID, AuditFieldUserID:
		return true
	default:
		return false
	}
}

// column returns the actual SQL column name for f. Restricted to the
// allow-listed values above so this is never built from unsanitized input.
func (f AuditField) column() string {
	return string(f)
}

// AuditStore provides data access for audit records using pgx.
type AuditStore struct {
	pool TxQuerier
}

// NewAuditStore creates an AuditStore bound to a live connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// NewAuditStoreWithQuerier creates an AuditStore over an arbitrary
// TxQuerier. Primarily used for testing.
func NewAuditStoreWithQuerier(q TxQuerier) *AuditStore {
	return &AuditStore{pool: q}
}

// InsertAudit inserts a new audit record for pool. Fails with
// apperror.ErrDuplicateRequest on a (pool, request_id) collision; the
// audit log layer reads the existing row to distinguish replay from
// conflict. The collision is detected with ON CONFLICT DO NOTHING so the
// caller's transaction stays usable for that read.
func (s *AuditStore) InsertAudit(ctx context.Context, tx TxQuerier, pool, fingerprint string, record *model.AuditRecord) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO audit_records (pool, request_id, fingerprint, transaction_id, user_id, request_data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (pool, request_id) DO NOTHING`,
		pool, record.RequestID, fingerprint, record.TransactionID, record.UserID, record.RequestData)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return apperror.ErrDuplicateRequest
		}
		return fmt.Errorf("insert audit record for %s/%s: %w", pool, record.RequestID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrDuplicateRequest
	}
	return nil
}

// FinishAudit stores the outcome of the operation the audit row was
// opened for: either responseData on success, or errToken on a terminal
// failure. Called in the same transaction as InsertAudit and the
// operation's own mutation.
func (s *AuditStore) FinishAudit(ctx context.Context, tx TxQuerier, pool, requestID string, responseData []byte, errToken string) error {
	_, err := tx.Exec(ctx,
		`UPDATE audit_records SET response_data = $1, error = $2 WHERE pool = $3 AND request_id = $4`,
		responseData, errToken, pool, requestID)
	if err != nil {
		return fmt.Errorf("finish audit record for %s/%s: %w", pool, requestID, err)
	}
	return nil
}

// GetByRequestID reads back the existing audit row for (pool, requestID),
// used after InsertAudit reports apperror.ErrDuplicateRequest.
func (s *AuditStore) GetByRequestID(ctx context.Context, tx TxQuerier, pool, requestID string) (*model.AuditRecord, string, error) {
	var rec model.AuditRecord
	var fingerprint string
	err := tx.QueryRow(ctx,
		`SELECT request_id, fingerprint, transaction_id, user_id, request_data, response_data, error, created_at
		 FROM audit_records WHERE pool = $1 AND request_id = $2`,
		pool, requestID).Scan(
		&rec.RequestID, &fingerprint, &rec.TransactionID, &rec.UserID,
		&rec.RequestData, &rec.ResponseData, &rec.Error, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("audit record %s/%s vanished after duplicate insert", pool, requestID)
		}
		return nil, "", fmt.Errorf("get audit record %s/%s: %w", pool, requestID, err)
	}
	return &rec, fingerprint, nil
}

// QueryAudit returns all audit records in pool where field equals value.
func (s *AuditStore) QueryAudit(ctx context.Context, pool string, field AuditField, value string) ([]model.AuditRecord, error) {
	if !field.Valid() {
		return nil, apperror.Param("invalid audit field: %q", field)
	}

	query := fmt.Sprintf(
		`SELECT request_id, transaction_id, user_id, request_data, response_data, error, created_at
		 FROM audit_records WHERE pool = $1 AND %s = $2 ORDER BY created_at`,
		field.column())

	rows, err := s.pool.Query(ctx, query, pool, value)
	if err != nil {
		return nil, fmt.Errorf("query audit by %s=%s in %s: %w", field, value, pool, err)
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		if err := rows.Scan(&rec.RequestID, &rec.TransactionID, &rec.UserID,
			&rec.RequestData, &rec.ResponseData, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	return records, nil
}
