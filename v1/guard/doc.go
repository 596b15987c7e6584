// Package guard enforces that among all execution contexts sharing a
// persistent store and a best-effort broadcast channel, at most one is the
// active instance of an application. The survivors detect the conflict and
// settle into a terminal blocked state instead of fighting over shared
// state.
//
// Ownership is asserted cooperatively through a two-slot lock record in the
// store. The active guard refreshes its heartbeat on a fixed period; rivals
// judge a record abandoned once the heartbeat is older than the stale
// window and claim it for themselves. Three independent triggers detect a
// rival: the heartbeat tick observing a fresh foreign owner, a pong reply
// on the presence probe, and a storage change notification rewriting the
// owner slot. Any one of them is enough to block.
//
// The protocol assumes cooperating instances of the same application, not
// adversaries, and prefers availability over strictness: a guard that
// cannot reach its store keeps running as if it were alone.
package guard
