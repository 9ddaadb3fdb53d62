package storage

import "errors"

var (
	ErrPassExists    = errors.New("pass already exists")
	ErrPassNotFound  = errors.New("pass not found")
	ErrCacheMiss     = errors.New("pass not cached")
	ErrLockBusy      = errors.New("uid lock is held")
	ErrLockNotHeld   = errors.New("uid lock not held by caller")
	ErrEventNotFound = errors.New("event not found")
)
