// Package server assembles the Fiber app: middleware, routes, and the
// single centralized error handler that translates internal/apperror into
// the {request_id, error} response shape (REDESIGN FLAG: the original
// ported handlers each ran their own errors.Is chain in handle_api_error;
// here every route funnels through one fiber.Config.ErrorHandler instead).
package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/audit"
	"github.com/fairyhunter13/scalable-coupon-system/internal/config"
	"github.com/fairyhunter13/scalable-coupon-system/internal/handler"
	"github.com/fairyhunter13/scalable-coupon-system/internal/pool"
	"github.com/fairyhunter13/scalable-coupon-system/internal/validator"
)

// New builds the fully-routed Fiber app over the given dependencies.
func New(cfg *config.Config, db *pgxpool.Pool, vouchers pool.VoucherStore, audits pool.AuditStore, auditLog *audit.Log) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "Voucher Pool Service",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    int(cfg.Import.MaxBodyBytes) + (64 * 1024),
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())

	validate := validator.New()
	voucherHandler := handler.NewVoucherHandler(db, vouchers, audits, auditLog, validate, cfg.Import)
	healthHandler := handler.NewHealthHandler(db)

	app.Get("/health", healthHandler.Check)

	app.Put("/:pool/issue/:operator/:request_id", voucherHandler.IssueVoucher)
	app.Put("/:pool/import/:request_id", voucherHandler.ImportVouchers)
	app.Put("/:pool/export/:request_id", voucherHandler.ExportVouchers)
	app.Get("/:pool/voucher_counts", voucherHandler.VoucherCounts)
	app.Get("/:pool/audit_query", voucherHandler.AuditQuery)

	return app
}

// errorHandler renders every error returned from a route handler as
// {request_id, error}, reading the request_id stashed in c.Locals by the
// handler (falling back to Fiber's own X-Request-ID when the handler never
// ran, e.g. a 404 on an unmatched route).
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if ok := asFiberError(err, &fe); ok {
		return c.Status(fe.Code).JSON(fiber.Map{
			"request_id": requestIDOf(c),
			"error":      fe.Message,
		})
	}

	code := apperror.CodeOf(err)
	msg := apperror.MessageOf(err)
	if code >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Msg("internal error")
	}

	return c.Status(code).JSON(fiber.Map{
		"request_id": requestIDOf(c),
		"error":      msg,
	})
}

func requestIDOf(c *fiber.Ctx) string {
	if v, ok := c.Locals("request_id").(string); ok && v != "" {
		return v
	}
	v, _ := c.Locals("requestid").(string)
	return v
}

func asFiberError(err error, target **fiber.Error) bool {
	fe, ok := err.(*fiber.Error)
	if ok {
		*target = fe
	}
	return ok
}
