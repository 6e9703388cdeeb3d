// Package mesh owns the wire contract primitives.
//
// Ownership boundary:
// - request/response envelopes
// - capability contracts and advertisements
// - error codes and failure narratives
//
// Mesh does not route, validate handler I/O, or touch the network.
package mesh
