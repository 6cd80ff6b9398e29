package docstore

// ReplicationSource is the boundary a replicator is built against (spec.md
// §1: "we specify the replication target interface only" — no transport is
// implemented here). It exposes exactly what an outbound replicator needs
// to tail the change feed, and what an inbound replicator needs to accept
// a foreign revision chain, without reaching into Store internals.
type ReplicationSource interface {
	ScanChanges(fromSeq uint64) *ChangesIterator
	ReplicateGet(id string) (Document, bool, error)
	ReplicatePut(doc ReplicatedDocument) (Document, bool, error)
}

var _ ReplicationSource = (*Store)(nil)
