// Package sequence implements the sequence definition store.
//
// The service owns sequence metadata, the ordered step list and the
// draft/active/paused/archived lifecycle. Steps may only be changed while
// a sequence is draft or paused; every structural edit renumbers steps to
// the contiguous range 1..N before it is persisted.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package sequence
