// Package db is the local durable store of the sync engine.
// It persists mirrored entity records, the provisional id remap table,
// the interception write queue, cached read responses and engine logs
// in a single SQLite file.
//
// Each entity kind gets its own table with the record payload stored as JSON
// and one column per declared secondary index, so index lookups never have to
// parse the payload. Every write that touches more than one row runs inside a
// transaction so a crash never leaves a half-remapped record behind.
//
// Migrations live in `migrations/` and are applied by New.
package db
