// Package storage implements the verto keyspace engine.
//
// The engine is built for a single owner goroutine: no structure in this
// package carries a lock, and none of the operations block. Latency is kept
// predictable across growth and expiration by amortizing the expensive work:
// the hash table migrates a bounded number of buckets per operation, and the
// Keyspace drains a bounded number of expired keys per call.
//
// Components:
//   - Dict: chaining hash table with incremental rehash, keyed by string.
//   - ZSet: sorted-set container pairing an order-statistic AVL tree with a
//     by-name table, ordered by (score, name).
//   - TTLHeap: binary min-heap over absolute deadlines, cross-linked with
//     entries for O(log n) cancellation.
//   - Keyspace: ties the above together and owns entry lifetime, including
//     handing large sorted sets to background workers for destruction.
package storage
