// Package cell owns the node lifecycle.
//
// Ownership boundary:
// - identity and configuration
// - registry bootstrap and periodic announce
// - supervision of the listener and the gossip loop
// - idle self-stop
//
// Lifecycle order:
// - appear -> bootstrap -> serve
//
// - serve may run with an empty atlas; discovery fills it in.
//
// - a cell runs standalone; no peer is required at start.
//
// Cell does not own routing decisions or schema negotiation.
package cell
