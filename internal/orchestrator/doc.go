// Package orchestrator owns the life of a service, from the first customer
// message to the attendant's FINISH_SERVICE.
//
// # States
//
//	SEARCHING_ATTENDANT -> RUNNING      attendant claimed
//	SEARCHING_ATTENDANT -> IN_QUEUE     nobody available
//	IN_QUEUE            -> SEARCHING_ATTENDANT   sweep retry
//	RUNNING             -> RUNNING      transfer (new round)
//	RUNNING             -> FINISHED     SLA recorded
//
// Transitions are pure functions in state.go; the Orchestrator persists
// their results through store conditional writes. Starting and transferring
// go through Store.ClaimAttendant and Store.TransferService, which refuse
// the write when the attendant already runs a service, so two services
// matching at the same time cannot both take one attendant. The loser moves
// on to its next candidate.
//
// # Matching
//
// Candidates are the attendant bindings of the service's routing group that
// hold no running service and whose presence reports Available. One is
// picked uniformly at random. Presence or directory failures yield no
// candidates and the service waits for the next ReconcileQueue sweep.
//
// # Concurrency
//
// Operations on one service are serialized by a keyed mutex, and messages
// of one customer by another. ReconcileQueue skips services whose lock is
// held and never runs twice at once.
package orchestrator
