// Package store provides persistent storage for switchboard using SQLite.
//
// # Architecture
//
// The store package splits its contract in two interfaces:
//
//   - Directory: customer identities and attendant bindings
//   - Sessions: services, assignment history, and the message log
//
// Store combines both. SQLiteStore implements it on modernc.org/sqlite and
// MockStore implements it in memory for tests.
//
// # Data Models
//
//   - Customer: keyed by channel address, carries registration progress
//   - AttendantBinding: attendant channel id, presence id, and reply address
//   - Service: one support session with status SEARCHING_ATTENDANT, IN_QUEUE,
//     RUNNING, or FINISHED
//   - Assignment: one round of a service's attendant history
//   - Message: append-only log of relayed messages
//
// # Invariants
//
// Two partial unique indexes back the session rules:
//
//   - a customer has at most one service that is not FINISHED
//   - an attendant is the assignee of at most one RUNNING service
//
// ClaimAttendant and TransferService are conditional updates executed in a
// transaction together with the history append, so a service never gains an
// attendant without the matching round and exactly one round is current.
// A conditional write that loses returns ErrConflict.
//
// # Timestamps
//
// All timestamps are stored as RFC3339 text in UTC.
package store
