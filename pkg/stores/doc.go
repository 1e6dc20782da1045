// Package stores persists reconciliation run history in SQLite: one row per
// run, the per-plugin results and checkpoints of that run, and an
// append-only event log. The schema is managed with embedded migrations.
package stores
