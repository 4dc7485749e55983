// Package entity declares the contract the transition engine uses to load,
// inspect, and persist the domain object a workflow drives. The engine never
// reaches into entity fields directly — every mutation goes through this
// port, and through user actions, so that persistence (a database, an API
// client, anything) stays a pluggable concern.
package entity

import "context"

// Port abstracts load/status/update/urn for one entity type E whose state is
// represented by the comparable type S. Implementations are supplied by the
// caller; the engine only ever consumes this interface.
type Port[E any, S comparable] interface {
	// New returns a zero-value entity, used by callers that need to
	// construct one before the first persist.
	New() E

	// Load fetches the entity identified by urn. found is false when no
	// such entity exists; the engine turns that into a NotFound error.
	Load(ctx context.Context, urn string) (e E, found bool, err error)

	// Status reads the entity's current state. Must be a pure read.
	Status(e E) S

	// Update persists state as the entity's new state and returns the
	// (possibly reloaded) entity. The engine uses the returned value for
	// every subsequent step of the cascade.
	Update(ctx context.Context, e E, state S) (E, error)

	// URN returns the entity's identifier, used only for logging and
	// correlation — never for persistence decisions.
	URN(e E) string
}
