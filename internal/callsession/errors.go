package callsession

import "errors"

// ErrNotFound is returned when a call SID has no active session, either
// because it never existed or its TTL expired.
var ErrNotFound = errors.New("session not found")
