package keyspace

import "errors"

// ErrTooManyKeyspaces is returned by Alloc when all 255 non-reserved kids
// are in use.
var ErrTooManyKeyspaces = errors.New("keyspace: too many keyspaces")

// ErrKeyspaceLocked is returned by Free when the target kid is currently
// held by a long-lived derived component.
var ErrKeyspaceLocked = errors.New("keyspace: keyspace is locked")
