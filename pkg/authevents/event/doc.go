// Package event is the in-process core of authevents: the event model,
// the schema registry, the publish pipeline and the dead-letter queue.
//
// # Publishing
//
// Producers depend only on Emitter:
//
//	evt, err := bus.Emit(ctx, "user.created", "password", map[string]any{
//		"user_id": id,
//		"email":   email,
//	})
//
// Publish runs the middleware chain, validates the payload against the
// latest (or pinned) schema, appends the event to the Store and dispatches
// it concurrently to every handler whose pattern matches. A rejected event
// is never stored. A failing handler is retried in process and then moved
// to the DLQ; it never fails the publish.
//
// # Patterns
//
// Handlers subscribe with an exact type ("user.created"), a domain
// wildcard ("user.*") or "*". See MatchType.
//
// # Replay
//
// A Replayer re-delivers stored events through Bus.Redispatch without
// validating or appending them again.
package event
