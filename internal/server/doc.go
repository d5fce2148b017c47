// Package server implements the line-oriented TCP chat server.
//
// Clients connect, receive the frame "connected", send a display name, and
// then exchange newline-terminated text frames until they send "quit" or
// drop the connection. Each connection is owned by one handling unit
// (session) run by the Dispatcher; units find each other only through the
// Registry. ChatServer owns the listener and the shutdown sequence, and the
// optional Gateway lets WebSocket clients join the same chat.
//
// The implementation is organized into specialized files for configuration,
// connections, the registry, sessions, dispatching, and the HTTP gateway.
package server
