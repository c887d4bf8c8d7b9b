// Package cache classifies report requests against the store and persists
// generated reports.
//
// # Layout
//
// Every normalized base key (see package urlkey) owns one store hash. Each
// report variant is a field of that hash holding a msgpack blob with the
// contact, the output and the creation time. A separate set,
// [store.KnownBaseSet], records every base ever written and is never expired.
//
// # Classification
//
// [Engine.Classify] answers one of three ways:
//
//   - [Fresh]: a live record exists for the exact (base, variant). The record
//     is returned with the classification.
//   - [KnownSite]: no live record for this variant, but the base is in the
//     known set. The base may have expired, or only another variant exists.
//   - [Unseen]: neither.
//
// Classification is evaluated against the store on every call.
//
// # TTL
//
// TTL is applied per base key, not per variant, and only when the key has no
// TTL yet. Writing the deep report of a site whose basic report was stored an
// hour ago does not extend the site's lifetime: staleness is measured from the
// first observation of the site.
//
// # Errors
//
// Store failures are returned wrapped and keep the [store.ErrUnavailable]
// mark, so callers can choose to bypass caching. [Engine.Get] returns
// [ErrNotFound] when there is no live record; it never generates.
package cache
