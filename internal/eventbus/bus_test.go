package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *NATSBus {
	t.Helper()
	bus, err := New(Options{
		Enabled:       true,
		Embedded:      true,
		EmbeddedPort:  -1,
		Stream:        "TEST_EVENTS",
		SubjectPrefix: "test",
		ConsumerName:  "test-consumer",
	})
	require.NoError(t, err)
	require.NotNil(t, bus)
	t.Cleanup(bus.Close)
	return bus
}

func TestDisabledOptionsReturnsNilBusWithoutError(t *testing.T) {
	bus, err := New(Options{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, bus)
}

func TestPublishWorkflowEventDeliversToSubscriber(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var received []byte
	sub, err := bus.conn.Subscribe("test.workflow.wf_demo.started", func(msg *nats.Msg) {
		mu.Lock()
		received = msg.Data
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.PublishWorkflowEvent("wf_demo", WorkflowEvent{Kind: "started", WorkflowID: "wf_demo"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestNilBusMethodsAreNoOps(t *testing.T) {
	var bus *NATSBus
	require.NoError(t, bus.PublishWorkflowEvent("wf_demo", WorkflowEvent{Kind: "started"}))
	require.NoError(t, bus.PublishStepEvent("wf_demo", "step1", StepEvent{Kind: "dispatched"}))
	bus.Close()
}
