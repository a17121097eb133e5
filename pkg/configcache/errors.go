package configcache

import "errors"

// Predefined errors for the configcache package.
var (
	// ErrNilStore indicates the cache was constructed without a backing store.
	ErrNilStore = errors.New("configcache: store cannot be nil")

	// ErrEmptyUserID indicates a config operation was attempted without a user id.
	ErrEmptyUserID = errors.New("configcache: user id cannot be empty")
)
