package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/audit"
	"github.com/fairyhunter13/scalable-coupon-system/internal/config"
	"github.com/fairyhunter13/scalable-coupon-system/internal/csvimport"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
	"github.com/fairyhunter13/scalable-coupon-system/internal/pool"
	"github.com/fairyhunter13/scalable-coupon-system/internal/reqctx"
	"github.com/fairyhunter13/scalable-coupon-system/internal/store"
)

// VoucherHandler serves the five voucher pool routes. One struct handles
// all of them, mirroring the single AirtimeServiceApp class the routes
// were ported from: they share the same pool-opening logic and nothing
// else warrants splitting them across types.
type VoucherHandler struct {
	db       pool.Beginner
	vouchers pool.VoucherStore
	audits   pool.AuditStore
	auditLog *audit.Log
	validate *validator.Validate
	imports  config.ImportConfig
}

// NewVoucherHandler creates a VoucherHandler over the given Store layers.
// db only needs to satisfy pool.Beginner, so a *pgxpool.Pool (production)
// or a fake transaction source (tests) both work.
func NewVoucherHandler(db pool.Beginner, vouchers pool.VoucherStore, audits pool.AuditStore, auditLog *audit.Log, v *validator.Validate, imports config.ImportConfig) *VoucherHandler {
	return &VoucherHandler{db: db, vouchers: vouchers, audits: audits, auditLog: auditLog, validate: v, imports: imports}
}

// open builds the per-request Pool handle for named. Pool handles are
// stateless beyond their dependencies, so opening one per request is cheap.
func (h *VoucherHandler) open(name string) *pool.Pool {
	return pool.NewWithBeginner(name, h.db, h.vouchers, h.audits, h.auditLog)
}

// setRequestID stashes requestID for the centralized error handler to read
// back when rendering the {request_id, error} shape.
func setRequestID(c *fiber.Ctx, requestID string) {
	c.Locals("request_id", requestID)
}

// IssueVoucher handles PUT /{pool}/issue/{operator}/{request_id}.
func (h *VoucherHandler) IssueVoucher(c *fiber.Ctx) error {
	poolName := c.Params("pool")
	operator := c.Params("operator")
	requestID := c.Params("request_id")
	setRequestID(c, requestID)

	var req model.IssueRequest
	if err := decodeJSONParams(c.Body(), []string{"transaction_id", "user_id", "denomination"}, nil, &req); err != nil {
		return err
	}
	if err := h.validate.Struct(req); err != nil {
		return apperror.Param("invalid request: %v", err)
	}

	id := audit.Identity{RequestID: requestID, TransactionID: req.TransactionID, UserID: req.UserID}
	resp, err := h.open(poolName).IssueVoucher(c.Context(), operator, req.Denomination, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNoVoucherAvailable) {
			// Normal domain condition, still rendered with HTTP 200.
			return envelope(c, fiber.StatusOK, requestID, fiber.Map{"error": apperror.ErrNoVoucherAvailable.Message})
		}
		return err
	}

	return envelope(c, fiber.StatusOK, requestID, fiber.Map{"voucher": resp.Voucher})
}

// ImportVouchers handles PUT /{pool}/import/{request_id}.
func (h *VoucherHandler) ImportVouchers(c *fiber.Ctx) error {
	poolName := c.Params("pool")
	requestID := c.Params("request_id")
	setRequestID(c, requestID)

	contentMD5 := c.Get("Content-MD5")
	if contentMD5 == "" {
		return apperror.Param("Missing Content-MD5 header.")
	}

	body := c.Body()
	actual := pool.ContentMD5(body)
	if actual != normalizeMD5(contentMD5) {
		return apperror.Param("Content-MD5 header does not match content.")
	}

	rows, err := csvimport.Parse(csvimport.LimitReader(bytes.NewReader(body), h.imports.MaxBodyBytes), h.imports.MaxRows)
	if err != nil {
		return err
	}

	resp, err := h.open(poolName).ImportVouchers(c.Context(), audit.Identity{RequestID: requestID}, actual, rows)
	if err != nil {
		return err
	}

	return envelope(c, fiber.StatusCreated, requestID, fiber.Map{"imported": resp.Imported})
}

// ExportVouchers handles PUT /{pool}/export/{request_id}.
func (h *VoucherHandler) ExportVouchers(c *fiber.Ctx) error {
	poolName := c.Params("pool")
	requestID := c.Params("request_id")
	setRequestID(c, requestID)

	var req model.ExportRequest
	if err := decodeJSONParams(c.Body(), nil, []string{"count", "operators", "denominations"}, &req); err != nil {
		return err
	}
	if err := h.validate.Struct(req); err != nil {
		return apperror.Param("invalid request: %v", err)
	}

	resp, err := h.open(poolName).ExportVouchers(c.Context(), audit.Identity{RequestID: requestID}, req.Count, req.Operators, req.Denominations)
	if err != nil {
		return err
	}

	return envelope(c, fiber.StatusOK, requestID, fiber.Map{"vouchers": resp.Vouchers, "warnings": resp.Warnings})
}

// VoucherCounts handles GET /{pool}/voucher_counts?request_id=.
func (h *VoucherHandler) VoucherCounts(c *fiber.Ctx) error {
	poolName := c.Params("pool")
	params, err := queryParams(c, nil, []string{"request_id"})
	if err != nil {
		return err
	}
	requestID := params["request_id"]
	if requestID == "" {
		requestID = reqctx.NewCorrelationID()
	}
	setRequestID(c, requestID)

	counts, err := h.open(poolName).CountVouchers(c.Context())
	if err != nil {
		return err
	}

	return envelope(c, fiber.StatusOK, requestID, fiber.Map{"voucher_counts": counts})
}

// AuditQuery handles GET /{pool}/audit_query?field=&value=&request_id=.
func (h *VoucherHandler) AuditQuery(c *fiber.Ctx) error {
	poolName := c.Params("pool")
	params, err := queryParams(c, []string{"field", "value"}, []string{"request_id"})
	if err != nil {
		return err
	}

	requestID := params["request_id"]
	if requestID == "" {
		requestID = reqctx.NewCorrelationID()
	}
	setRequestID(c, requestID)

	field := store.AuditField(params["field"])
	if !field.Valid() {
		return apperror.Param("Unknown audit field %q", params["field"])
	}

	records, err := h.open(poolName).QueryAudit(c.Context(), field, params["value"])
	if err != nil {
		return err
	}

	views := make([]model.AuditRecordView, len(records))
	for i, r := range records {
		views[i] = model.AuditRecordView{
			RequestID:     r.RequestID,
			TransactionID: r.TransactionID,
			UserID:        r.UserID,
			RequestData:   rawJSON(r.RequestData),
			ResponseData:  rawJSON(r.ResponseData),
			Error:         r.Error,
			CreatedAt:     r.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		}
	}

	return envelope(c, fiber.StatusOK, requestID, fiber.Map{"results": views})
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// normalizeMD5 lower-cases the caller-supplied Content-MD5 header, which
// per the original may arrive in any case.
func normalizeMD5(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
