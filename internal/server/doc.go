// Package server implements the real-time core of the roomchat service: the
// room membership registry, the hub that appends and broadcasts messages,
// per-connection session state machines, and the HTTP surface for websocket
// upgrades, room history, and profiles.
//
// The implementation is organized into specialized files for configuration,
// the registry, the hub, client sessions, the event protocol, routing, and
// HTTP handlers to keep the codebase maintainable and testable.
package server
