// Package audit implements the idempotency protocol described in spec
// §4.2: every state-mutating pool operation is wrapped so that replaying
// the same request_id returns the original outcome, and reusing a
// request_id with different semantic inputs is rejected.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
	"github.com/fairyhunter13/scalable-coupon-system/internal/store"
)

// Store is the subset of the store layer the audit log needs.
type Store interface {
	InsertAudit(ctx context.Context, tx store.TxQuerier, pool, fingerprint string, record *model.AuditRecord) error
	FinishAudit(ctx context.Context, tx store.TxQuerier, pool, requestID string, responseData []byte, errToken string) error
	GetByRequestID(ctx context.Context, tx store.TxQuerier, pool, requestID string) (*model.AuditRecord, string, error)
}

// Identity carries the caller-supplied identifiers that accompany every
// mutating request.
type Identity struct {
	RequestID     string
	TransactionID string
	UserID        string
}

// Log wraps mutating pool operations with the audit protocol.
type Log struct {
	store Store
}

// New creates an audit Log over store.
func New(s Store) *Log {
	return &Log{store: s}
}

// Outcome is what Do returns: either a success payload or a terminal
// domain error token (used for NoVoucherAvailable, which is recorded in
// the audit row but is not a fault).
type Outcome struct {
	Response json.RawMessage
	ErrToken string // non-empty if the operation's outcome was a recorded domain error
}

// Op is the caller's operation body, run inside the same transaction as
// the audit bookkeeping. A returned error aborts the transaction (no
// audit row is retained); to record a domain-level failure as a
// successful audit write instead, return it via errToken in the Outcome
// by wrapping with Recordable.
type Op func(ctx context.Context, tx store.TxQuerier) (Outcome, error)

// recordableError marks a domain error (like NoVoucherAvailable) that
// should be recorded as the audit row's outcome rather than aborting the
// transaction and leaving no trace.
type recordableError struct {
	token string
	err   error
}

func (r *recordableError) Error() string { return r.err.Error() }
func (r *recordableError) Unwrap() error { return r.err }

// Recordable wraps err so Do records it as a terminal audit outcome
// (response_data empty, error=token) instead of treating it as an
// operation failure that discards the audit row.
func Recordable(token string, err error) error {
	return &recordableError{token: token, err: err}
}

// Do executes the audit protocol: insert-or-replay, run op, persist the
// outcome, all within tx. canonicalRequest is the full request payload to
// store as request_data (for audit_query display); fingerprint is the
// canonical serialization of the operation's semantic inputs used to
// detect replay-vs-conflict.
func (l *Log) Do(ctx context.Context, tx store.TxQuerier, pool string, id Identity, fingerprint string, canonicalRequest any, op Op) (json.RawMessage, error) {
	requestData, err := json.Marshal(canonicalRequest)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	record := &model.AuditRecord{
		RequestID:     id.RequestID,
		TransactionID: id.TransactionID,
		UserID:        id.UserID,
		RequestData:   requestData,
	}

	err = l.store.InsertAudit(ctx, tx, pool, fingerprint, record)
	switch {
	case err == nil:
		return l.runAndFinish(ctx, tx, pool, id.RequestID, op)
	case errors.Is(err, apperror.ErrDuplicateRequest):
		return l.replay(ctx, tx, pool, id.RequestID, fingerprint)
	default:
		return nil, err
	}
}

func (l *Log) runAndFinish(ctx context.Context, tx store.TxQuerier, pool, requestID string, op Op) (json.RawMessage, error) {
	outcome, err := op(ctx, tx)
	if err != nil {
		var re *recordableError
		if errors.As(err, &re) {
			if finErr := l.store.FinishAudit(ctx, tx, pool, requestID, nil, re.token); finErr != nil {
				return nil, finErr
			}
			return nil, re.err
		}
		// Any other error aborts the transaction; no audit row survives.
		return nil, err
	}

	if finErr := l.store.FinishAudit(ctx, tx, pool, requestID, outcome.Response, outcome.ErrToken); finErr != nil {
		return nil, finErr
	}
	return outcome.Response, nil
}

func (l *Log) replay(ctx context.Context, tx store.TxQuerier, pool, requestID, fingerprint string) (json.RawMessage, error) {
	existing, existingFingerprint, err := l.store.GetByRequestID(ctx, tx, pool, requestID)
	if err != nil {
		return nil, err
	}
	if existingFingerprint != fingerprint {
		return nil, apperror.ErrAuditMismatch
	}
	if existing.Error != "" {
		return nil, tokenToError(existing.Error)
	}
	return existing.ResponseData, nil
}

// tokenToError maps a persisted error token back to the sentinel error it
// came from, so a replayed failure looks identical to the original to
// the Voucher Pool layer.
func tokenToError(token string) error {
	switch token {
	case apperror.ErrNoVoucherAvailable.Message:
		return apperror.ErrNoVoucherAvailable
	default:
		return apperror.Internal()
	}
}
