// Package kv provides the flat string key-value store the SDK persists its
// state into: cached bucketed configs, expiry timestamps, and the generated
// anonymous user id.
//
// The SDK only needs four operations (get, set, delete, prefix scan), so the
// Store interface is deliberately small. Three implementations are provided:
//
//   - MemoryStore: process-local map, used as the default and in tests.
//   - FileStore: a single JSON file written atomically via rename, for
//     clients that need state to survive process restarts without any
//     external service.
//   - RedisStore: backed by go-redis, for server-side embeddings that share
//     cached configs between instances.
//
// Usage:
//
//	store, err := kv.NewFileStore("/var/lib/myapp/flagkit.json")
//	if err != nil {
//		// handle error
//	}
//	client, err := flagkit.NewClient(sdkKey, user, flagkit.WithStore(store))
package kv
