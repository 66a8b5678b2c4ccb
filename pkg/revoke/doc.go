// Package revoke tracks revoked task ids. Workers consult the store on
// the hot path, so lookups must be memory-speed: the shared store keeps
// a local cache fed by broker broadcasts, with a periodic reload from
// the backend bounding staleness when a broadcast is missed.
package revoke
