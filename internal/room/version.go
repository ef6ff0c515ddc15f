package room

// NextVersion advances the room status version. The version is the only
// total order observers have; every committed room mutation must pass
// through here.
func NextVersion(current uint64) uint64 {
	return current + 1
}

// IsStaleVersion reports whether an incoming snapshot version should be
// discarded. Listener and sync-patch channels may deliver duplicates and
// out-of-order notifications; equal versions are not stale so redelivery of
// the current document stays harmless.
func IsStaleVersion(current, incoming uint64) bool {
	return incoming < current
}
