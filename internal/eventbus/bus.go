// Package eventbus implements the optional side channel (SPEC_FULL.md
// §11.6) that publishes workflow/step lifecycle events for external
// observers. It is never the primary advancement transport — spec §5
// requires get_next_step/step_complete to advance the engine
// synchronously, so a Bus subscriber only ever watches, it never drives.
//
// Grounded on the teacher's internal/workflows/runtime/nats_engine.go
// (Engine interface, embedded-or-external bootstrap, JetStream publish) and
// options.go (EnvOptions shape), renamed from Station's run/step-schedule
// domain to this engine's workflow/step-lifecycle domain.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus publishes workflow lifecycle events. A nil *NATSBus (what New returns
// for a disabled bus) is valid and each of its methods is a no-op, so
// callers that never enable the event bus don't need to branch on whether
// one exists.
type Bus interface {
	PublishWorkflowEvent(workflowID string, event WorkflowEvent) error
	PublishStepEvent(workflowID, stepID string, event StepEvent) error
	Close()
}

// WorkflowEvent is published on start/pause/resume/complete/fail.
type WorkflowEvent struct {
	Kind       string    `json:"kind"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// StepEvent is published each time get_next_step dispatches an atomic step
// or step_complete reports its outcome.
type StepEvent struct {
	Kind       string    `json:"kind"` // "dispatched" or "completed"
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	StepType   string    `json:"step_type,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// NATSBus is the JetStream-backed Bus implementation.
type NATSBus struct {
	opts   Options
	server *natsserver.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
}

// New connects (or embeds) a NATS server per opts and declares the
// configured stream. Returns (nil, nil) when opts.Enabled is false, so
// callers can treat a disabled bus identically to a failed-to-construct one.
func New(opts Options) (*NATSBus, error) {
	if !opts.Enabled {
		return nil, nil
	}

	bus := &NATSBus{opts: opts}
	if opts.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{Port: opts.EmbeddedPort, JetStream: true})
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded event bus: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("embedded event bus failed to start")
		}
		bus.server = srv
		bus.opts.URL = fmt.Sprintf("nats://%s", srv.Addr().String())
	}

	conn, err := nats.Connect(bus.opts.URL)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	bus.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to init jetstream: %w", err)
	}
	bus.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{fmt.Sprintf("%s.>", opts.SubjectPrefix)},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		bus.Close()
		return nil, fmt.Errorf("failed to create event bus stream: %w", err)
	}

	return bus, nil
}

var _ Bus = (*NATSBus)(nil)

// PublishWorkflowEvent implements Bus.
func (b *NATSBus) PublishWorkflowEvent(workflowID string, event WorkflowEvent) error {
	if b == nil || b.js == nil {
		return nil
	}
	subject := fmt.Sprintf("%s.workflow.%s.%s", b.opts.SubjectPrefix, workflowID, event.Kind)
	return b.publishJSON(subject, event)
}

// PublishStepEvent implements Bus.
func (b *NATSBus) PublishStepEvent(workflowID, stepID string, event StepEvent) error {
	if b == nil || b.js == nil {
		return nil
	}
	subject := fmt.Sprintf("%s.workflow.%s.step.%s.%s", b.opts.SubjectPrefix, workflowID, stepID, event.Kind)
	return b.publishJSON(subject, event)
}

func (b *NATSBus) publishJSON(subject string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(subject, data)
	return err
}

// Close drains the connection and, if embedded, shuts the server down.
// Safe to call on a nil *NATSBus.
func (b *NATSBus) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}
