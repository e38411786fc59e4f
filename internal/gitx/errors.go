package gitx

import "errors"

// ErrPushRejected signals the remote moved underneath a push. Callers treat
// it as "claim lost" or "rebase and retry" depending on context.
var ErrPushRejected = errors.New("push rejected")
