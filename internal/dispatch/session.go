// Package dispatch implements the Step Queue / Dispatcher, spec §4.E: the
// classification of atomic steps into batch/blocking/immediate/expand/wait
// queuing modes, and the get_next_step/step_complete protocol surface
// wrapping one Interpreter. "immediate" and "expand" fall out of
// engine.Interpreter.Next on its own (server-internal steps are consumed
// before a client-visible atomic is ever returned, and parallel_foreach
// already yields a single parallel_tasks atomic); this package adds the
// two modes that need lookahead/memory across calls: batch-coalescing
// consecutive user_message steps, and auto-clearing a wait_step without
// requiring a step_complete.
//
// Grounded on the teacher's internal/workflows/runtime/consumer.go, which
// holds a similar "pending work item, released on ack" pattern for its
// NATS JetStream consumer loop; generalized here from ack/nak over a
// message queue to accept/fail over one interpreter's atomic steps.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/engine/errs"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

// Session wraps one Interpreter with the per-instance mutex spec §4.E /
// §5 require ("concurrent get_next_step/step_complete on the same
// instance serialise") and the batch/wait bookkeeping Next alone does not
// carry.
type Session struct {
	mu     sync.Mutex
	interp *engine.Interpreter

	pending   *workflowtypes.AtomicStep
	batchIDs  []string // constituent step ids when pending is a coalesced batch
	lookahead *workflowtypes.AtomicStep
}

// NewSession constructs a Session over interp.
func NewSession(interp *engine.Interpreter) *Session {
	return &Session{interp: interp}
}

// GetNextStep returns the currently held pending atomic if one exists,
// else drives the interpreter forward, spec §4.E. A held wait atomic is
// dropped here on the next call instead of being returned again, since
// spec names wait steps as not requiring a step_complete. Consecutive user_message atomics are
// coalesced into one synthetic batch atomic, ids joined with ",".
func (s *Session) GetNextStep(ctx context.Context) (*workflowtypes.AtomicStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		if s.pending.Type == workflowtypes.AtomicWait {
			s.pending = nil
		} else {
			return s.pending, nil
		}
	}

	var atomic *workflowtypes.AtomicStep
	var err error
	if s.lookahead != nil {
		atomic, s.lookahead = s.lookahead, nil
	} else {
		atomic, err = s.interp.Next(ctx)
		if err != nil {
			return nil, err
		}
	}
	if atomic == nil {
		return nil, nil
	}

	if atomic.Type != workflowtypes.AtomicUserMessage {
		s.pending = atomic
		s.batchIDs = nil
		return atomic, nil
	}

	messages := []interface{}{atomic.Instructions}
	ids := []string{atomic.ID}
	for {
		if err := s.interp.CompleteStep(atomic.ID, nil); err != nil {
			return nil, err
		}
		next, nerr := s.interp.Next(ctx)
		if nerr != nil {
			return nil, nerr
		}
		if next == nil || next.Type != workflowtypes.AtomicUserMessage {
			s.lookahead = next
			break
		}
		messages = append(messages, next.Instructions)
		ids = append(ids, next.ID)
		atomic = next
	}

	batch := &workflowtypes.AtomicStep{
		ID: strings.Join(ids, ","), Type: workflowtypes.AtomicUserMessage,
		Instructions: messages[len(messages)-1].(string),
		Definition:   map[string]interface{}{"messages": messages},
	}
	s.pending = batch
	s.batchIDs = ids
	return batch, nil
}

// Checkpoint snapshots the wrapped interpreter, refusing while a step is
// pending completion or a batch lookahead is buffered: a checkpoint taken
// mid-step would lose the pendingStep binding on restore, so the only
// supported checkpoint point is at rest between steps.
func (s *Session) Checkpoint() (*engine.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil || s.lookahead != nil {
		return nil, &errs.ProtocolError{Reason: "cannot checkpoint while a step is pending completion"}
	}
	return s.interp.Checkpoint()
}

// StepComplete validates step_id against the held pending atomic and
// applies its result, spec §6. A batched user_message id (comma-joined)
// matches as a whole; its constituents were already advanced past during
// GetNextStep's coalescing lookahead, so there is nothing left to bind.
func (s *Session) StepComplete(stepID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.ID != stepID {
		return &errs.ProtocolError{Reason: "step_complete does not match the currently pending step"}
	}
	isBatch := len(s.batchIDs) > 0
	s.pending, s.batchIDs = nil, nil

	if isBatch {
		return nil
	}
	if status == "failed" {
		return s.interp.FailStep(stepID, "agent reported failure")
	}
	return s.interp.CompleteStep(stepID, nil)
}
