// Package session records live WebSocket connections in Redis so any
// instance can tell which users are connected and where. Entries expire on
// their own if an instance dies without cleaning up.
package session
