package docstore

import "errors"

// ErrPurgeRevisionMismatch is returned by Purge when a caller-supplied
// expected revision doesn't match the document's current top revision.
var ErrPurgeRevisionMismatch = errors.New("docstore: purge revision mismatch")
