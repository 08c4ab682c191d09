package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/audit"
	"github.com/fairyhunter13/scalable-coupon-system/internal/config"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
	"github.com/fairyhunter13/scalable-coupon-system/internal/store"
	internalvalidator "github.com/fairyhunter13/scalable-coupon-system/internal/validator"
)

// mockTx is a minimal pgx.Tx that never talks to a real database, mirroring
// internal/pool's own test double.
type mockTx struct{}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error)  { return nil, nil }
func (m *mockTx) Commit(ctx context.Context) error           { return nil }
func (m *mockTx) Rollback(ctx context.Context) error         { return nil }
func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (m *mockTx) LargeObjects() pgx.LargeObjects                              { return pgx.LargeObjects{} }
func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) { return nil, nil }
func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row        { return nil }
func (m *mockTx) Conn() *pgx.Conn                                                      { return nil }

type mockBeginner struct{}

func (m *mockBeginner) Begin(ctx context.Context) (pgx.Tx, error) { return &mockTx{}, nil }

// mockVoucherStore implements pool.VoucherStore entirely via closures, set
// per test case.
type mockVoucherStore struct {
	poolExistsFn    func(ctx context.Context, pool string) (bool, error)
	countVouchersFn func(ctx context.Context, pool string) ([]model.VoucherCount, error)
	claimVoucherFn  func(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error)
}

func (m *mockVoucherStore) EnsurePool(ctx context.Context, tx store.TxQuerier, pool string) error {
	return nil
}
func (m *mockVoucherStore) PoolExists(ctx context.Context, pool string) (bool, error) {
	if m.poolExistsFn != nil {
		return m.poolExistsFn(ctx, pool)
	}
	return true, nil
}
func (m *mockVoucherStore) InsertVouchers(ctx context.Context, tx store.TxQuerier, pool string, rows []model.VoucherRow) error {
	return nil
}
func (m *mockVoucherStore) ClaimVoucher(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
	if m.claimVoucherFn != nil {
		return m.claimVoucherFn(ctx, tx, pool, operator, denomination)
	}
	return nil, apperror.ErrNoVoucherAvailable
}
func (m *mockVoucherStore) ClaimMany(ctx context.Context, tx store.TxQuerier, pool string, filters []store.ClaimFilter) ([]store.ClaimManyResult, error) {
	return nil, nil
}
func (m *mockVoucherStore) CountVouchers(ctx context.Context, pool string) ([]model.VoucherCount, error) {
	if m.countVouchersFn != nil {
		return m.countVouchersFn(ctx, pool)
	}
	return nil, nil
}

// mockAuditStore implements pool.AuditStore.
type mockAuditStore struct {
	queryAuditFn func(ctx context.Context, pool string, field store.AuditField, value string) ([]model.AuditRecord, error)
}

func (m *mockAuditStore) QueryAudit(ctx context.Context, pool string, field store.AuditField, value string) ([]model.AuditRecord, error) {
	if m.queryAuditFn != nil {
		return m.queryAuditFn(ctx, pool, field, value)
	}
	return nil, nil
}

// mockAuditLogStore implements audit.Store over an in-memory map, letting
// IssueVoucher/ImportVouchers run their full audit protocol without a real
// database.
type mockAuditLogStore struct {
	records      map[string]*model.AuditRecord
	fingerprints map[string]string
}

func newMockAuditLogStore() *mockAuditLogStore {
	return &mockAuditLogStore{records: map[string]*model.AuditRecord{}, fingerprints: map[string]string{}}
}

func (m *mockAuditLogStore) InsertAudit(ctx context.Context, tx store.TxQuerier, pool, fingerprint string, record *model.AuditRecord) error {
	key := pool + "/" + record.RequestID
	if _, exists := m.records[key]; exists {
		return apperror.ErrDuplicateRequest
	}
	cp := *record
	m.records[key] = &cp
	m.fingerprints[key] = fingerprint
	return nil
}

func (m *mockAuditLogStore) FinishAudit(ctx context.Context, tx store.TxQuerier, pool, requestID string, responseData []byte, errToken string) error {
	key := pool + "/" + requestID
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.ResponseData = responseData
	rec.Error = errToken
	return nil
}

func (m *mockAuditLogStore) GetByRequestID(ctx context.Context, tx store.TxQuerier, pool, requestID string) (*model.AuditRecord, string, error) {
	key := pool + "/" + requestID
	rec, ok := m.records[key]
	if !ok {
		return nil, "", apperror.Internal()
	}
	return rec, m.fingerprints[key], nil
}

func newTestHandler(vouchers *mockVoucherStore, audits *mockAuditStore, auditStore audit.Store) *VoucherHandler {
	if auditStore == nil {
		auditStore = newMockAuditLogStore()
	}
	return NewVoucherHandler(&mockBeginner{}, vouchers, audits, audit.New(auditStore), internalvalidator.New(), config.ImportConfig{MaxRows: 1000, MaxBodyBytes: 1 << 20})
}

func newTestApp(h *VoucherHandler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: testErrorHandler})
	app.Put("/:pool/issue/:operator/:request_id", h.IssueVoucher)
	app.Get("/:pool/voucher_counts", h.VoucherCounts)
	app.Get("/:pool/audit_query", h.AuditQuery)
	return app
}

// testErrorHandler mirrors internal/server's centralized error handler,
// minus the X-Request-ID fallback machinery not relevant here.
func testErrorHandler(c *fiber.Ctx, err error) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(apperror.CodeOf(err)).JSON(fiber.Map{
		"request_id": requestID,
		"error":      apperror.MessageOf(err),
	})
}

func doPut(t *testing.T, app *fiber.App, path string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func TestIssueVoucher_Success(t *testing.T) {
	vouchers := &mockVoucherStore{
		claimVoucherFn: func(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
			return &model.Voucher{Voucher: "Tank-red-0"}, nil
		},
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	resp, body := doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "u0", "denomination": "red",
	})

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-0", body["request_id"])
	assert.Equal(t, "Tank-red-0", body["voucher"])
}

func TestIssueVoucher_NoVoucherAvailable(t *testing.T) {
	vouchers := &mockVoucherStore{
		claimVoucherFn: func(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
			return nil, apperror.ErrNoVoucherAvailable
		},
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	resp, body := doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "u0", "denomination": "blue",
	})

	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "exhaustion is a domain response, not an error status")
	assert.Equal(t, "No voucher available.", body["error"])
}

func TestIssueVoucher_MissingPool(t *testing.T) {
	vouchers := &mockVoucherStore{
		poolExistsFn: func(ctx context.Context, pool string) (bool, error) { return false, nil },
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	resp, body := doPut(t, app, "/missing/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "u0", "denomination": "red",
	})

	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Voucher pool does not exist.", body["error"])
}

func TestIssueVoucher_MissingParameter(t *testing.T) {
	h := newTestHandler(&mockVoucherStore{}, &mockAuditStore{}, nil)
	app := newTestApp(h)

	resp, body := doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"user_id": "u0", "denomination": "red",
	})

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "transaction_id")
}

func TestIssueVoucher_BlankUserID(t *testing.T) {
	h := newTestHandler(&mockVoucherStore{}, &mockAuditStore{}, nil)
	app := newTestApp(h)

	resp, _ := doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "   ", "denomination": "red",
	})

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, "whitespace-only user_id must fail notblank")
}

func TestIssueVoucher_ReplaySameBody(t *testing.T) {
	claims := 0
	vouchers := &mockVoucherStore{
		claimVoucherFn: func(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
			claims++
			return &model.Voucher{Voucher: "Tank-red-0"}, nil
		},
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	body := map[string]any{"transaction_id": "t0", "user_id": "u0", "denomination": "red"}
	first, firstBody := doPut(t, app, "/testpool/issue/Tank/req-0", body)
	second, secondBody := doPut(t, app, "/testpool/issue/Tank/req-0", body)

	assert.Equal(t, fiber.StatusOK, first.StatusCode)
	assert.Equal(t, fiber.StatusOK, second.StatusCode)
	assert.Equal(t, firstBody["voucher"], secondBody["voucher"])
	assert.Equal(t, 1, claims, "a replayed request_id must not claim a second voucher")
}

func TestIssueVoucher_ReplayMismatch(t *testing.T) {
	vouchers := &mockVoucherStore{
		claimVoucherFn: func(ctx context.Context, tx store.TxQuerier, pool, operator, denomination string) (*model.Voucher, error) {
			return &model.Voucher{Voucher: "Tank-red-0"}, nil
		},
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "u0", "denomination": "red",
	})
	resp, body := doPut(t, app, "/testpool/issue/Tank/req-0", map[string]any{
		"transaction_id": "t0", "user_id": "u0", "denomination": "blue",
	})

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "req-0", body["request_id"])
}

func TestVoucherCounts(t *testing.T) {
	vouchers := &mockVoucherStore{
		countVouchersFn: func(ctx context.Context, pool string) ([]model.VoucherCount, error) {
			return []model.VoucherCount{{Operator: "Tank", Denomination: "red", Used: false, Count: 3}}, nil
		},
	}
	h := newTestHandler(vouchers, &mockAuditStore{}, nil)
	app := newTestApp(h)

	req := httptest.NewRequest(http.MethodGet, "/testpool/voucher_counts", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["voucher_counts"])
	assert.NotEmpty(t, body["request_id"], "a generated correlation id is used when request_id is omitted")
}

func TestAuditQuery_UnknownField(t *testing.T) {
	h := newTestHandler(&mockVoucherStore{}, &mockAuditStore{}, nil)
	app := newTestApp(h)

	req := httptest.NewRequest(http.MethodGet, "/testpool/audit_query?field=bogus&value=x", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "bogus")
}

func TestAuditQuery_Success(t *testing.T) {
	audits := &mockAuditStore{
		queryAuditFn: func(ctx context.Context, pool string, field store.AuditField, value string) ([]model.AuditRecord, error) {
			return []model.AuditRecord{{RequestID: "req-0", TransactionID: "t0", UserID: "u0"}}, nil
		},
	}
	h := newTestHandler(&mockVoucherStore{}, audits, nil)
	app := newTestApp(h)

	req := httptest.NewRequest(http.MethodGet, "/testpool/audit_query?field=request_id&value=req-0", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
}
