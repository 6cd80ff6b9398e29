package kvengine

// Batch is an atomic write unit. Its operations become visible together
// when handed to Engine.Write. No lock is held for a batch's lifetime: the
// engine-level batch has no "one active batch" restriction, and callers
// serialize as needed (§4.3, §5).
type Batch struct {
	ops       []Op
	observers []func(committed bool)
}

// OpKind identifies what a staged Op does.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpDeleteRange
)

// Op is one staged batch operation, exposed read-only so alternative
// Engine implementations outside this package (memengine, the pebble
// adapter) can replay a batch against their own storage.
type Op struct {
	Kind OpKind
	Key  []byte
	Val  []byte
	To   []byte // set only for OpDeleteRange
}

// NewBatch returns an empty batch. Exported at the package level so test
// doubles that don't wrap a real engine can still produce one.
func NewBatch() *Batch {
	return &Batch{}
}

// Set stages a key/value write.
func (b *Batch) Set(key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	b.ops = append(b.ops, Op{Kind: OpSet, Key: k, Val: v})
}

// Delete stages a key deletion.
func (b *Batch) Delete(key []byte) {
	k := append([]byte(nil), key...)
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: k})
}

// DeleteRange stages deletion of every key in [from, to), used by
// keyspace.Manager.Free to clear an entire keyspace in one batch.
func (b *Batch) DeleteRange(from, to []byte) {
	f := append([]byte(nil), from...)
	t := append([]byte(nil), to...)
	b.ops = append(b.ops, Op{Kind: OpDeleteRange, Key: f, To: t})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// ApproxSize estimates the batch's on-disk footprint as the sum of staged
// key/value lengths. Derived components (§4.5.2) use this to decide when
// to commit and start a fresh batch mid-reindex.
func (b *Batch) ApproxSize() int {
	n := 0
	for _, op := range b.ops {
		n += len(op.Key) + len(op.Val) + len(op.To)
	}
	return n
}

// Ops returns the staged operations in registration order. Engine
// implementations use this to replay the batch against their own storage.
func (b *Batch) Ops() []Op { return b.ops }

// OnCommit registers a callback fired after Engine.Write commits (or fails
// to — the committed flag distinguishes the two). The batch has already
// been applied when callbacks run, so anything they stage on b is not part
// of that write. incremental.Store.Put registers here to wake
// WaitForChanges callers once its record is committed.
func (b *Batch) OnCommit(fn func(committed bool)) {
	b.observers = append(b.observers, fn)
}

// Fire invokes all registered OnCommit callbacks. Engine implementations
// call this once after a write attempt resolves.
func (b *Batch) Fire(committed bool) {
	for _, fn := range b.observers {
		fn(committed)
	}
}
