// Package storage defines the persistence boundary for room state.
//
// The store is the sole owner of rooms, players, and rejoin requests.
// Cross-entity invariants that must hold atomically (roster updated AND
// request marked accepted) are expressed inside a single Transact call;
// nothing outside a transaction may blind-overwrite a whole document.
package storage
