// Package enrollment defines the enrollment store contract shared by the
// trigger listener, the step scheduler and the API, plus a thin read/stop
// service on top of it.
//
// The store is the only place enrollment state changes. The scheduler
// drives progression through a lease based claim protocol:
//
//	ClaimDue      lease due enrollments of active sequences (SKIP LOCKED)
//	BeginDispatch re-check status and token, write the per-step marker
//	Commit        append step logs and apply the transition if the token holds
//
// Asynchronous callbacks only touch signals, append logs, or force an
// opt-out; an opt-out always invalidates any outstanding claim.
package enrollment
