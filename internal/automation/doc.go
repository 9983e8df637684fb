// Package automation turns external signals into enrollments and decides
// how a due step branches.
//
// Listener applies the eligibility rules (active sequence, no duplicate
// active enrollment, frequency cap) for manual, audience and event driven
// enrollment. Evaluate is the pure condition evaluator used by the
// scheduler. EventBus carries contact domain events over watermill.
package automation
