package docstore

import (
	"encoding/json"
	"hash/fnv"
)

// Document is one stored row: a JSON body plus its bounded revision chain.
// Content is nil for a tombstone (Deleted == true).
type Document struct {
	Id        string
	Content   json.RawMessage
	Timestamp uint64
	Revisions []uint64
	Deleted   bool
	Seq       uint64
}

// PutRequest is a caller's attempt to create or update a document under
// optimistic concurrency control: ExpectedRev must equal the document's
// current top revision (0 for a document that doesn't exist yet).
type PutRequest struct {
	Id          string
	Content     json.RawMessage
	ExpectedRev uint64
	Deleted     bool
}

// ReplicatedDocument carries a foreign revision chain accepted wholesale
// when the local store's current revision appears anywhere inside it.
type ReplicatedDocument struct {
	Id        string
	Content   json.RawMessage
	Timestamp uint64
	Revisions []uint64 // Revisions[0] is the incoming top revision
	Deleted   bool
}

// incrementalPayload is what the incremental store actually persists per
// document write; the document header lives in a separate row and is
// reconstructed from this plus the header on read.
type incrementalPayload struct {
	Id        string          `json:"id"`
	Timestamp uint64          `json:"timestamp"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// stableHash is a deterministic, non-cryptographic content hash used as a
// document's revision number. hash/maphash's default seed is randomized
// per process, which would make revisions unstable across restarts;
// FNV-1a has no seed at all, so it needs no fixed-seed workaround and is
// used here instead. 0 is reserved to mean "no revision yet", so a zero
// hash is mapped to 1.
func stableHash(content []byte) uint64 {
	h := fnv.New64a()
	h.Write(content)
	sum := h.Sum64()
	if sum == 0 {
		return 1
	}
	return sum
}
