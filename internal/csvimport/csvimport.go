// Package csvimport parses the CSV body accepted by the import_vouchers
// route into model.VoucherRow values, reproducing the original
// lowercase_row_keys behavior: column names are matched case-insensitively
// so "Operator", "OPERATOR", and "operator" all resolve to the same field.
package csvimport

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/fairyhunter13/scalable-coupon-system/internal/apperror"
	"github.com/fairyhunter13/scalable-coupon-system/internal/model"
)

const (
	columnOperator     = "operator"
	columnDenomination = "denomination"
	columnVoucher      = "voucher"
)

// normalizeHeader lower-cases and trims a CSV column name, the Go
// equivalent of the original's lowercase_row_keys generator.
func normalizeHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Parse reads a CSV document from r and returns one VoucherRow per data
// row. The header row must contain operator, denomination, and voucher
// columns (case-insensitive, in any order); extra columns are ignored.
// maxRows caps the number of data rows accepted; a value <= 0 means
// unbounded.
func Parse(r io.Reader, maxRows int) ([]model.VoucherRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, apperror.Param("import body has no header row")
	}
	if err != nil {
		return nil, apperror.Param("invalid CSV: %v", err)
	}

	columnIndex := make(map[string]int, len(header))
	for i, col := range header {
		columnIndex[normalizeHeader(col)] = i
	}

	for _, required := range []string{columnOperator, columnDenomination, columnVoucher} {
		if _, ok := columnIndex[required]; !ok {
			return nil, apperror.Param("missing required CSV column %q", required)
		}
	}

	var rows []model.VoucherRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperror.Param("invalid CSV: %v", err)
		}

		if maxRows > 0 && len(rows) >= maxRows {
			return nil, apperror.Param("import exceeds the maximum of %d rows", maxRows)
		}

		rows = append(rows, model.VoucherRow{
			Operator:     field(record, columnIndex[columnOperator]),
			Denomination: field(record, columnIndex[columnDenomination]),
			Voucher:      field(record, columnIndex[columnVoucher]),
		})
	}

	return rows, nil
}

func field(record []string, index int) string {
	if index >= len(record) {
		return ""
	}
	return record[index]
}

// LimitReader wraps r so Parse never reads more than maxBytes, matching
// the Import.MaxBodyBytes configuration knob. Exceeding the limit
// surfaces as a ParamError rather than an opaque read failure.
func LimitReader(r io.Reader, maxBytes int64) io.Reader {
	return &limitedReader{r: io.LimitReader(r, maxBytes+1), limit: maxBytes}
}

type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, apperror.Param("import body exceeds the maximum of %d bytes", l.limit)
	}
	return n, err
}
