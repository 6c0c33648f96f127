package workerpool

import "errors"

// ErrClosed is returned by Submit once the pool has been closed.
var ErrClosed = errors.New("workerpool: pool is closed")
