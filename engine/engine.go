// Package engine implements the cascading transition runner described by
// the workflow definition model: resolve a transition, evaluate its
// guards, run its handlers and actions, persist the resulting state, and
// autonomously cascade to the next event until the entity reaches an idle,
// final or failed state, or no next event can be chosen. The engine is the sole writer of entity state; every
// mutation goes through the entity port's Update.
package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"eve.evalgo.org/flowengine/definition"
	"eve.evalgo.org/flowengine/internal/logging"
	"eve.evalgo.org/flowengine/internal/metrics"
	"eve.evalgo.org/flowengine/internal/opstate"
	"eve.evalgo.org/flowengine/internal/telemetry"
	"eve.evalgo.org/flowengine/registry"
)

// Engine runs Emit cascades for one Definition. It is safe for concurrent
// use across distinct urns; the spec places no ordering guarantee on
// concurrent Emit calls for the same urn, so the engine takes no lock of
// its own.
type Engine[S comparable, V comparable, E any, P any] struct {
	def *definition.Definition[S, V, E, P]
	reg *registry.Registry[S, V, E, P]

	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Provider
	tracker  *opstate.Tracker
	eventStr func(V) string
}

// Option configures optional observability dependencies on an Engine. All
// of them are nil-safe when omitted.
type Option[S comparable, V comparable, E any, P any] func(*Engine[S, V, E, P])

// WithLogger attaches a structured logger.
func WithLogger[S comparable, V comparable, E any, P any](l *logging.Logger) Option[S, V, E, P] {
	return func(e *Engine[S, V, E, P]) { e.logger = l }
}

// WithMetrics attaches a Prometheus metrics sink.
func WithMetrics[S comparable, V comparable, E any, P any](m *metrics.Metrics) Option[S, V, E, P] {
	return func(e *Engine[S, V, E, P]) { e.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer provider.
func WithTracer[S comparable, V comparable, E any, P any](t *telemetry.Provider) Option[S, V, E, P] {
	return func(e *Engine[S, V, E, P]) { e.tracer = t }
}

// WithTracker attaches an in-memory operation tracker.
func WithTracker[S comparable, V comparable, E any, P any](t *opstate.Tracker) Option[S, V, E, P] {
	return func(e *Engine[S, V, E, P]) { e.tracker = t }
}

// WithEventFormatter overrides how events are rendered into log fields and
// span attributes. The default uses fmt's %v.
func WithEventFormatter[S comparable, V comparable, E any, P any](f func(V) string) Option[S, V, E, P] {
	return func(e *Engine[S, V, E, P]) { e.eventStr = f }
}

// New builds an Engine from def. def.Validate is called first; a
// RegistrationInvalid-equivalent error from Validate is returned unchanged.
func New[S comparable, V comparable, E any, P any](def *definition.Definition[S, V, E, P], opts ...Option[S, V, E, P]) (*Engine[S, V, E, P], error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine[S, V, E, P]{
		def: def,
		reg: registry.Build(def),
		eventStr: func(v V) string {
			return fmt.Sprintf("%v", v)
		},
	}

	for _, opt := range opts {
		opt(eng)
	}

	return eng, nil
}

// Emit resolves and runs the transition cascade triggered by event on the
// entity identified by urn, returning the entity's state at the point the
// cascade halted.
//
// Systemic errors (entity not found, no matching transition, a failed
// persist) are returned to the caller so a queue consumer can retry.
// Action and status-change handler failures are internalized: the engine
// transitions the entity to its definition's failed state and returns
// successfully, since a business failure is not a systemic one.
func (eng *Engine[S, V, E, P]) Emit(ctx context.Context, event V, urn string, payload P) (E, error) {
	var zero E

	opID := urn + ":" + eng.eventStr(event)
	if eng.tracker != nil {
		eng.tracker.Start(opID, "emit", urn, map[string]interface{}{"event": eng.eventStr(event)})
	}

	ctx, span := eng.tracer.StartSpan(ctx, "flowengine.Emit",
		trace.WithAttributes(
			attribute.String("flowengine.urn", urn),
			attribute.String("flowengine.event", eng.eventStr(event)),
		),
	)
	defer span.End()

	log := eng.log().With("urn", urn).With("event", eng.eventStr(event)).WithContext(ctx)

	entity, found, err := eng.def.Port.Load(ctx, urn)
	if err != nil {
		eng.finish(opID, err)
		return zero, err
	}
	if !found {
		nf := &NotFoundError{URN: urn}
		eng.recordError(event, "not_found")
		eng.finish(opID, nf)
		return zero, nf
	}

	state := eng.def.Port.Status(entity)
	if eng.def.IsFinal(state) {
		log.WithFields(map[string]interface{}{"state": fmt.Sprintf("%v", state)}).
			Warn("emit called on entity already in a final state; proceeding under retry tolerance")
	}

	currentEvent := event

	for {
		candidates := eng.def.TransitionsFor(state, currentEvent)
		if len(candidates) == 0 {
			nt := &NoTransitionError{URN: urn, Event: eng.eventStr(currentEvent)}
			eng.recordError(currentEvent, "no_transition")
			eng.finish(opID, nt)
			return entity, nt
		}

		first := candidates[0]
		var chosen *definition.Transition[S, V, E, P]
		for i := range candidates {
			t := candidates[i]
			if t.To != first.To || !sameFromSet(t.From, first.From) {
				continue
			}
			if guardsHold(t.Conditions, entity, payload) {
				chosen = &candidates[i]
				break
			}
		}

		if chosen == nil {
			if eng.def.Fallback != nil {
				entity, err = eng.def.Fallback(entity, currentEvent, payload)
				if err != nil {
					eng.finish(opID, err)
					return entity, err
				}
			} else {
				log.Debug("no transition guard satisfied; returning unchanged entity")
			}
			eng.finish(opID, nil)
			return entity, nil
		}

		prevState := state
		failed := false
		var cascadeErr error

		for _, h := range eng.reg.EventHandlers(currentEvent) {
			next, herr := h(entity, payload)
			if herr != nil {
				failed = true
				cascadeErr = herr
				break
			}
			entity = next
		}

		if !failed {
			for _, a := range chosen.Actions {
				next, aerr := a(entity, payload)
				if aerr != nil {
					failed = true
					cascadeErr = aerr
					break
				}
				entity = next
			}
		}

		if failed {
			log.WithError(cascadeErr).Warn("transition action failed, moving entity to failed state")
			entity, err = eng.def.Port.Update(ctx, entity, eng.def.Failed)
			if err != nil {
				pf := &PersistFailedError{URN: urn, Err: err}
				eng.finish(opID, pf)
				return entity, pf
			}
			eng.recordTransition(currentEvent, "failed")
			eng.finish(opID, nil)
			return entity, nil
		}

		entity, err = eng.def.Port.Update(ctx, entity, chosen.To)
		if err != nil {
			pf := &PersistFailedError{URN: urn, Err: err}
			eng.finish(opID, pf)
			return entity, pf
		}
		state = chosen.To

		for _, sh := range eng.reg.StatusChangeHandlers(prevState, chosen.To) {
			next, herr := sh.Fn(entity, payload)
			if herr == nil {
				entity = next
				continue
			}
			if !sh.FailOnError {
				log.WithError(herr).Warn("status-change handler failed; swallowing per failOnError=false")
				continue
			}
			log.WithError(herr).Warn("status-change handler failed with failOnError=true, moving entity to failed state")
			entity, err = eng.def.Port.Update(ctx, entity, eng.def.Failed)
			if err != nil {
				pf := &PersistFailedError{URN: urn, Err: err}
				eng.finish(opID, pf)
				return entity, pf
			}
			state = eng.def.Failed
			eng.recordTransition(currentEvent, "failed")
			eng.finish(opID, nil)
			return entity, nil
		}

		eng.recordTransition(currentEvent, "ok")

		if eng.def.IsIdle(state) || eng.def.IsFinal(state) || state == eng.def.Failed {
			eng.finish(opID, nil)
			return entity, nil
		}

		nextEvent, ok := eng.nextEvent(state, entity, payload)
		if !ok {
			eng.finish(opID, nil)
			return entity, nil
		}
		currentEvent = nextEvent
	}
}

// nextEvent computes the cascade's next event per the spec: if exactly one
// outgoing transition (excluding ones leading to the failed state) exists,
// its event is used; with multiple candidates, the first whose guards all
// hold wins; with none holding, the cascade halts.
func (eng *Engine[S, V, E, P]) nextEvent(state S, entity E, payload P) (V, bool) {
	var zero V
	outgoing := eng.def.OutgoingFrom(state)
	if len(outgoing) == 0 {
		return zero, false
	}
	if len(outgoing) == 1 {
		return outgoing[0].Event, true
	}
	for _, t := range outgoing {
		if guardsHold(t.Conditions, entity, payload) {
			return t.Event, true
		}
	}
	return zero, false
}

func (eng *Engine[S, V, E, P]) log() *logging.Logger {
	if eng.logger != nil {
		return eng.logger
	}
	return logging.NewContext(nil, nil)
}

func (eng *Engine[S, V, E, P]) finish(opID string, err error) {
	if eng.tracker != nil {
		eng.tracker.Finish(opID, err)
	}
}

func (eng *Engine[S, V, E, P]) recordTransition(event V, status string) {
	if eng.metrics == nil {
		return
	}
	label := eng.eventStr(event)
	eng.metrics.TransitionTotal.WithLabelValues(label, status).Inc()
}

func (eng *Engine[S, V, E, P]) recordError(event V, kind string) {
	if eng.metrics == nil {
		return
	}
	eng.metrics.TransitionErrors.WithLabelValues(eng.eventStr(event), kind).Inc()
}

// guardsHold reports whether every guard in conditions evaluates true,
// left-to-right with short-circuit evaluation. A transition with no
// guards always holds.
func guardsHold[E any, P any](conditions []definition.Guard[E, P], e E, payload P) bool {
	for _, g := range conditions {
		if !g(e, payload) {
			return false
		}
	}
	return true
}

// sameFromSet reports whether a and b contain the same states, ignoring
// order, matching the spec's treatment of From as a membership set.
func sameFromSet[S comparable](a, b []S) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[S]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
