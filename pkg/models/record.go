package models

import (
	"fmt"
	"strings"
)

// Record is one row of one entity: field name to scalar value.
type Record map[string]any

// Clone returns a shallow copy; scalar values make it a full copy in practice.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PrimaryKey holds the primary-key fields of one row.
type PrimaryKey map[string]any

// KeyOf extracts the primary key of a record. It reports false when any key
// field is missing or null.
func (r Record) KeyOf(fields []string) (PrimaryKey, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	pk := make(PrimaryKey, len(fields))
	for _, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			return nil, false
		}
		pk[f] = v
	}
	return pk, true
}

// Fingerprint renders the key in field order so equal keys compare equal.
func (pk PrimaryKey) Fingerprint(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%v", pk[f])
	}
	return strings.Join(parts, "\x1f")
}

// ValidationOutcome is the per-record result of schema validation.
type ValidationOutcome struct {
	Record   Record
	Accepted bool
	Reason   string
}
