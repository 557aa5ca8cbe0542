// Package presence reports attendant availability.
//
// Provider is the contract the orchestrator consumes. Two implementations
// exist:
//
//   - Graph queries Microsoft Graph: GET /users/{id}/presence,
//     POST /communications/getPresencesByUserId and GET /groups/{id}/members.
//   - Static serves fixed maps from configuration and is adjustable at runtime.
//
// Providers surface errors; callers decide how to degrade. Only the
// Available status admits a match.
package presence
