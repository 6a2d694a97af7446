package witness

import "errors"

var (
    ErrNotStarted = errors.New("witness: not started")
    ErrStopped    = errors.New("witness: stopped")
)
