// Package server implements the connection side of the relay: the TCP
// listener loop, per-connection sessions, and the WebSocket gateway.
//
// Every accepted connection becomes a Session with two duties. The inbound
// duty decodes frames and publishes them to the shared hub; the outbound duty
// receives from the session's own hub subscription and writes to the peer.
// Whichever duty hits a terminal condition first tears the whole session down
// without affecting the hub, the listener, or other sessions.
package server
