package incremental

import "errors"

// ErrListenCanceled is returned by WaitForChanges when CancelListen stops
// every blocked waiter.
var ErrListenCanceled = errors.New("listen canceled")
