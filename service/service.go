// Package service is the Workflow Service binding layer: it builds a
// workflow's Transition Engine, then wires each of the Definition's queue
// bindings to a running Queue Client so that consumed jobs drive Emit
// calls. It holds no state of its own beyond that wiring.
package service

import (
	"context"
	"encoding/json"

	"eve.evalgo.org/flowengine/definition"
	"eve.evalgo.org/flowengine/engine"
	"eve.evalgo.org/flowengine/queue"
)

// Config controls how a workflow is bound to its messaging backends.
type Config struct {
	// KafkaEnabled stands in for the unspecified Kafka-equivalent backend.
	// This repo implements the queue backend only; setting this true
	// alongside any QueueBinding on the definition is a registration-time
	// error, since a workflow may bind at most one messaging backend.
	KafkaEnabled bool
}

// Service binds one workflow Definition's queue bindings to a running
// Queue Client, dispatching each consumed job through the Transition
// Engine's Emit.
type Service[S comparable, V comparable, E any, P any] struct {
	eng   *engine.Engine[S, V, E, P]
	queue *queue.Client
}

// Register validates def against cfg, builds its Transition Engine, binds
// every queue binding to queueClient, and returns the running Service.
func Register[S comparable, V comparable, E any, P any](
	def *definition.Definition[S, V, E, P],
	queueClient *queue.Client,
	cfg Config,
	opts ...engine.Option[S, V, E, P],
) (*Service[S, V, E, P], error) {
	if cfg.KafkaEnabled && len(def.QueueBindings) > 0 {
		return nil, &RegistrationInvalidError{
			Reason: "a workflow may bind at most one messaging backend; both a queue and a Kafka backend were configured",
		}
	}

	eng, err := engine.New(def, opts...)
	if err != nil {
		return nil, err
	}

	svc := &Service[S, V, E, P]{eng: eng, queue: queueClient}

	for _, binding := range def.QueueBindings {
		queueClient.Consume(binding.Queue, binding.Concurrency, svc.handler(binding.Event))
	}

	return svc, nil
}

func (s *Service[S, V, E, P]) handler(event V) queue.Handler {
	return func(ctx context.Context, urn string, payload json.RawMessage) error {
		var p P
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return err
			}
		}
		_, err := s.eng.Emit(ctx, event, urn, p)
		return err
	}
}

// Engine returns the bound Transition Engine, used by callers that need to
// Emit directly outside of a queue binding (for example, from an HTTP
// handler or a CLI command built on top of this module).
func (s *Service[S, V, E, P]) Engine() *engine.Engine[S, V, E, P] {
	return s.eng
}
