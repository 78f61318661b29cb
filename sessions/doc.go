// Package sessions defines the session model shared by the transports and
// the protocol engine: the Session view handed to capability code, the
// persisted SessionMetadata record, and the SessionHost contract that
// storage backends implement.
//
// A SessionHost combines three concerns:
//
//   - Metadata lifecycle: create/get/mutate/touch/delete of the persisted
//     session record, with sliding-TTL and max-lifetime expiry semantics.
//   - Per-session ordered messaging: an append-only message stream per
//     session with resume-from-last-event-id, backing SSE delivery.
//   - Topic fan-out: broadcast events shared by all server instances, used
//     by the engine to route messages to whichever instance holds the
//     client's stream.
//
// Two implementations ship with the server: memoryhost (single process) and
// redishost (Redis streams, horizontally scalable).
package sessions
