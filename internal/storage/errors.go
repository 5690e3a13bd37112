package storage

import "errors"

// ErrNotFound covers both a row that does not exist and a row owned by a
// different user. Per-user queries scope on user_id in the WHERE clause, so
// the two cases are indistinguishable on purpose: callers cannot probe for
// the existence of other users' sessions.
var ErrNotFound = errors.New("storage: not found")
