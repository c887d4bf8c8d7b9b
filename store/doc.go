// Package store is the key-value layer under the report cache.
//
// A [Store] keeps one hash per normalized base key, with one field per report
// variant, plus plain sets such as [KnownBaseSet]. TTLs apply to a whole hash;
// sets never expire. Three backends are provided:
//
//   - [NewRedis] uses native Redis hashes, sets and PEXPIRE. ExpireIfUnset is
//     a Lua script so the "only if no TTL yet" check is atomic. The caller owns
//     the client; Close is a no-op.
//   - [NewSQLite] uses modernc.org/sqlite (pure Go). Expiry is stored per key
//     and enforced on read; a background sweep deletes expired rows.
//   - [NewInMemory] is a mutex-guarded map for tests and single-process use.
//
// All backend errors are marked with [ErrUnavailable].
package store
