// Package negotiate owns schema degradation.
//
// Ownership boundary:
// - the rung-by-rung ladder for calls with no exact schema match
// - assisted translation gating and confirmation
// - out-of-band escalation tickets
//
// Negotiate never mutates what a provider declared; it only reshapes the
// caller's arguments toward it.
package negotiate
