// Package server implements the chat side of the LAN relay.
//
// A Hub owns the identity registry and the router and runs one Session per
// accepted connection. Sessions arrive either over TCP, as length-prefixed
// frames (ChatServer), or over WebSocket (NewWebSocketHandler). Both carry
// the same handshake and message protocol defined in package protocol.
//
// The implementation is organized into specialized files for configuration,
// registry, routing, sessions and HTTP handlers.
package server
