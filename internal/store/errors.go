package store

import "errors"

// ErrStoreUnavailable is returned by Store operations when the relational
// store cannot be reached or a query against it fails (spec.md §7, matching
// the broker package's ErrBrokerUnavailable sentinel).
var ErrStoreUnavailable = errors.New("store: unavailable")
