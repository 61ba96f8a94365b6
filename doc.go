// Package verto is an in-memory, single-node key-value store speaking a
// framed binary protocol over TCP.
//
// The keyspace holds strings and sorted sets, each key optionally carrying a
// time-to-live. One goroutine owns every connection and every data
// structure, multiplexing sockets with poll(2); latency stays predictable
// under load because all amortized work (hash-table rehash, expiration) is
// bounded per operation or per tick.
//
// Basic usage:
//
//	srv, err := verto.New(verto.WithPort(1234))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
// The wire protocol, keyspace engine, and connection engine live in the
// protocol, storage, and server subpackages; this package ties them together
// behind a small configuration surface.
package verto
