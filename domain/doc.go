// Package domain defines the core data structures of the leafsync engine.
// It contains the entity record model shared by every entity kind (catalog items
// and purchase orders), the per-kind schemas that describe indexes and cross-kind
// references, the write queue and response cache models used by the interception
// layer, and the repository interfaces that define the contracts for local persistence.
//
// The package also owns the error taxonomy used across the engine so that the
// storage, transport and backend layers can classify failures without importing
// each other.
package domain
