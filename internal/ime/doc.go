// Package ime implements the client side of an input method session.
//
// A Controller owns the session of one editing surface. It keeps the
// session synchronized with a remote input method server through a
// Transport, and forwards the server's output (committed text, composition
// updates, keys, panel geometry) to a Host.
//
// # Session model
//
// A session is connected when the transport has a live link to the server,
// and active once the server has been told that this surface owns input.
// The server's panel is Hidden, Shown, or ShowPending while a show waits for
// a connection. When the link drops with the panel shown the session
// remembers that it has to restart, and on the next connection it resends
// the full editor state before showing the panel again.
//
// # Resets
//
// RequestReset discards the server's composition. Commit and composition
// events that were already in flight are stale; the controller drops them
// until every outstanding reset is acknowledged. Acknowledgements are either
// explicit (the transport delivers ResetAcknowledged) or inferred from the
// first commit or composition update that follows a reset. See AckMode.
//
// # Concurrency
//
// All Controller methods are safe for concurrent use. Transport commands
// and Host callbacks run after the controller has released its lock, so a
// slow transport never stalls Snapshot and a Host may call straight back
// into the controller. Commands reach the transport one at a time, in the
// order the transitions that issued them ran.
package ime
