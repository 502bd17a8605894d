// Package engine reconciles the registry's view of each fan with the
// cloud.
//
// Three components live here. Engine owns the per-device write loops and
// the reconciliation rules: commands apply optimistically to the
// registry first, a single outstanding write per device carries them to
// the cloud, and poll results are merged in without ever moving a fan's
// state backwards. Dispatcher is the validated command surface the API
// and MQTT layers call; it checks capabilities and value ranges, then
// hands a patch to the engine and returns as soon as the optimistic
// update is visible. Poller drives the periodic reconciliation pass with
// jitter and failure backoff.
//
// Conflict policy, in one place: a poll older than what the registry
// already holds is discarded; a poll that satisfies the pending command
// resolves it; a poll that conflicts with a pending command loses the
// contested fields until the write is acknowledged or expires, and wins
// everything else. A pending command older than one poll cycle is
// dropped and the poll adopted wholesale, so no fan is ever stuck
// showing state the cloud never confirmed.
package engine
