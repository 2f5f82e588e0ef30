// Package transport connects an ime.Controller to an input method server.
//
// Two links are provided: the Maliit D-Bus protocol (Linux only) and a JSON
// framed WebSocket protocol. Both own a reconnect loop in Run, report
// Connected and Disconnected events, and refuse commands with
// ErrNotConnected while the link is down. Commands never wait for the
// server.
package transport
