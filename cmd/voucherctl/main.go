// Command voucherctl is an operator CLI for local/offline administration of
// voucher pools: bulk-importing a CSV file of vouchers, and inspecting pool
// counts, without going through the HTTP API.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/scalable-coupon-system/internal/audit"
	"github.com/fairyhunter13/scalable-coupon-system/internal/config"
	"github.com/fairyhunter13/scalable-coupon-system/internal/csvimport"
	"github.com/fairyhunter13/scalable-coupon-system/internal/pool"
	"github.com/fairyhunter13/scalable-coupon-system/internal/store"
	"github.com/fairyhunter13/scalable-coupon-system/pkg/database"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "voucherctl",
		Short: "Administer voucher pools directly against the database",
		Long:  "voucherctl talks to the same internal/pool package the HTTP API uses, bypassing the network layer for local and offline administration.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file, layered under DB_*/IMPORT_* env vars")

	rootCmd.AddCommand(importCmd(), countsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPool(ctx context.Context, name string) (*pool.Pool, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewPool(ctx, cfg.DB.DSN(), 3)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}

	vouchers := store.NewVoucherStore(db)
	audits := store.NewAuditStore(db)
	auditLog := audit.New(audits)

	p := pool.New(name, db, vouchers, audits, auditLog)
	return p, func() { db.Close() }, nil
}

// loadConfig layers a YAML config file (if --config was given) under the
// environment-derived defaults: env vars always take precedence, matching
// the HTTP server's configuration precedence.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Load()
	}
	return config.LoadWithFile(configFile)
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <pool> <csv-file>",
		Short: "Bulk-import vouchers from a CSV file",
		Long:  "Reads operator,denomination,voucher rows from csv-file and imports them into pool, using the file's own content as the idempotency key (its content hash doubles as the request id).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolName, path := args[0], args[1]

			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rows, err := csvimport.Parse(
				csvimport.LimitReader(bytes.NewReader(content), cfg.Import.MaxBodyBytes),
				cfg.Import.MaxRows,
			)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			p, closeDB, err := openPool(ctx, poolName)
			if err != nil {
				return err
			}
			defer closeDB()

			contentMD5 := pool.ContentMD5(content)
			requestID := contentMD5

			if _, err := p.ImportVouchers(ctx, audit.Identity{RequestID: requestID}, contentMD5, rows); err != nil {
				return err
			}

			fmt.Printf("Imported %d voucher(s) into pool %q (request_id=%s)\n", len(rows), poolName, requestID)
			return nil
		},
	}
	return cmd
}

func countsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counts <pool>",
		Short: "Print per-operator/denomination used and unused voucher counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolName := args[0]

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, closeDB, err := openPool(ctx, poolName)
			if err != nil {
				return err
			}
			defer closeDB()

			counts, err := p.CountVouchers(ctx)
			if err != nil {
				return err
			}

			if len(counts) == 0 {
				fmt.Printf("Pool %q has no vouchers\n", poolName)
				return nil
			}

			fmt.Printf("%-12s %-14s %-8s %s\n", "OPERATOR", "DENOMINATION", "USED", "COUNT")
			for _, c := range counts {
				fmt.Printf("%-12s %-14s %-8t %d\n", c.Operator, c.Denomination, c.Used, c.Count)
			}
			return nil
		},
	}
	return cmd
}
