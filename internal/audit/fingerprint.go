package audit

import (
	"encoding/json"
	"sort"
)

// IssueFingerprint is the canonical serialization of issue_voucher's
// semantic inputs: {operator, denomination}.
type IssueFingerprint struct {
	Operator     string `json:"operator"`
	Denomination string `json:"denomination"`
}

// ImportFingerprint is the canonical serialization of import_vouchers's
// semantic inputs: {content_md5}. Two imports with the same request_id
// and the same body hash are treated as the same request; the hash covers
// the exact body bytes, so reordering rows yields a different fingerprint.
type ImportFingerprint struct {
	ContentMD5 string `json:"content_md5"`
}

// ExportFingerprint is the canonical serialization of export_vouchers's
// semantic inputs: {count, sorted_operators, sorted_denominations}.
// Operators and denominations are sorted before marshaling so that
// equivalent filter sets always produce an identical fingerprint
// regardless of the order the caller listed them in.
type ExportFingerprint struct {
	Count         *int     `json:"count"`
	Operators     []string `json:"operators"`
	Denominations []string `json:"denominations"`
}

// Canonicalize returns the deterministic JSON encoding used to compare
// fingerprints for equality. json.Marshal on these fixed-shape structs is
// already deterministic (field order follows struct definition order),
// so this is just a named conversion point.
func Canonicalize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewExportFingerprint sorts operators/denominations before building the
// fingerprint, per spec §4.2.
func NewExportFingerprint(count *int, operators, denominations []string) ExportFingerprint {
	ops := append([]string(nil), operators...)
	denoms := append([]string(nil), denominations...)
	sort.Strings(ops)
	sort.Strings(denoms)
	if ops == nil {
		ops = []string{}
	}
	if denoms == nil {
		denoms = []string{}
	}
	return ExportFingerprint{Count: count, Operators: ops, Denominations: denoms}
}
