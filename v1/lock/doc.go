// Package lock reads and writes the two-slot lock record that warden
// instances use to decide who is active. The record is two plain keys in
// the shared store: the owner slot holds the identity of the instance
// asserting ownership, the beat slot holds the wall-clock timestamp of its
// last liveness refresh. A record whose beat is missing or too old counts
// as abandoned and may be claimed by anyone.
//
// Store failures never propagate: reads degrade to "absent" and writes to
// no-ops, each reported through an optional hook. A guard on a flaky store
// keeps running rather than crashing the application it protects.
package lock
