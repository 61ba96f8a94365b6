// Package lua provides server-side script execution for verto.
//
// Scripts run with the familiar KEYS and ARGV globals and reach the keyspace
// through verto.call and verto.pcall. The engine executes on the event-loop
// goroutine, so a script observes and mutates the keyspace atomically with
// respect to every other command.
//
//	EVAL "return verto.call('GET', KEYS[1])" 1 mykey
//
// Loaded scripts are cached by their SHA1 for EVALSHA.
package lua
