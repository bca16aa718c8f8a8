// Package reminder holds the reminder record and the pure time logic around
// it: resolving user time expressions into instants and computing the next
// occurrence of a recurring reminder.
//
// Nothing here performs I/O. All functions take "now" and a location
// explicitly so callers (and tests) control the clock.
package reminder
