package scheduler

import "errors"

var (
	ErrInvalidRequest = errors.New("run id and test id are required")
	ErrUnknownRun     = errors.New("unknown run")
	ErrTestEnded      = errors.New("test already ended")
	ErrAlreadyStarted = errors.New("scheduler already started")
)
