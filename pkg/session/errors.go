package session

import "errors"

// ErrAlreadyRunning is returned by Start when a request is already in
// flight for this session.
var ErrAlreadyRunning = errors.New("session: request already running")

// ErrStillRunning is returned by Reset while a request has not yet
// reached FINISH or FAIL.
var ErrStillRunning = errors.New("session: cannot reset while a request is running")
