package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainBatch prefixes batch identity hashes.
// The version suffix leaves room for changing the encoding later.
const DomainBatch = "cloudsync/batch/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BatchID computes the content-addressed identity of a batch.
//
// Order matters: the same records in a different order form a different
// batch. Atomicity and each upsert's Seq are part of the identity, so a
// non-atomic batch never shares an operation with an atomic one, and a
// change re-read at a newer seq is a new batch. Payloads that cannot be
// canonicalized (NaN, unsupported types) fall back to their fmt rendering
// so that identity never fails; such batches simply coalesce less reliably.
func BatchID(upserts []ChangeRecord, deletions []RecordRef, atomic bool) string {
	ups := make([]any, len(upserts))
	for i, u := range upserts {
		ups[i] = map[string]any{
			"type":   string(u.Type),
			"key":    u.Key,
			"op":     u.Op.String(),
			"fields": map[string]any(u.Fields),
			"refs":   u.Refs,
			"seq":    u.Seq,
		}
	}
	dels := make([]any, len(deletions))
	for i, d := range deletions {
		dels[i] = map[string]any{"type": string(d.Type), "key": d.Key}
	}
	obj := map[string]any{"upserts": ups, "deletions": dels, "atomic": atomic}

	data, err := MarshalCanonical(obj)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", obj))
	}
	return hashWithDomain(DomainBatch, data)
}
