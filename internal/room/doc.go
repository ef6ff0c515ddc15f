// Package room holds the authoritative room domain: lifecycle statuses, the
// play-order rule engine, and the status version fence that orders every
// other component's view of a room.
//
// Everything in this package is pure. Persistence, transport, and retry
// concerns live in the packages that call into it.
package room
