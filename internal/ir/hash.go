package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainChange = "rowsync/change/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeID computes the content-addressed ID of a change within a
// transaction. The ID is stable for the same transaction, sequence number
// and payload, so re-writing a change log entry is idempotent.
func ChangeID(txID string, c Change) (string, error) {
	obj := map[string]any{
		"tx_id":  txID,
		"seq":    c.Seq,
		"entity": c.Entity,
		"op":     string(c.Op),
		"row_id": c.RowID,
		"origin": string(c.Origin),
	}
	if c.Before != nil {
		obj["before"] = c.Before
	}
	if c.After != nil {
		obj["after"] = c.After
	}
	if c.Rule != "" {
		obj["rule"] = c.Rule
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ChangeID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// MustChangeID is like ChangeID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustChangeID(txID string, c Change) string {
	id, err := ChangeID(txID, c)
	if err != nil {
		panic(err)
	}
	return id
}
