package postgres

import "github.com/capmedia/testplatform/internal/store"

// Sentinels are shared with the interface package so callers do not
// need to import the implementation to classify errors.
var (
	ErrNotFound  = store.ErrNotFound
	ErrDuplicate = store.ErrDuplicate
)
