// Package server runs the verto connection engine: a single goroutine that
// owns the listening socket, every client connection, and the keyspace.
//
// The engine multiplexes non-blocking sockets with poll(2). Each tick waits
// for readiness with a timeout derived from the nearest timer (TTL deadline
// or idle connection), services the woken descriptors through a small
// per-connection state machine, then drains a bounded number of expired keys
// so a burst of expirations cannot starve I/O.
//
// Because one goroutine owns everything, no keyspace structure needs a lock
// and requests on a connection are answered strictly in arrival order.
package server
