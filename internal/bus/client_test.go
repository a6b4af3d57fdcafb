package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliverDropsWhenFull(t *testing.T) {
	s := &Subscription{msgs: make(chan Message, 2)}

	s.deliver(Message{Subject: "fleet.events", Data: []byte("1")})
	s.deliver(Message{Subject: "fleet.events", Data: []byte("2")})
	assert.Zero(t, s.Dropped())

	// Buffer full: overflow is discarded and counted, buffered deliveries
	// keep their order.
	s.deliver(Message{Subject: "fleet.events", Data: []byte("3")})
	s.deliver(Message{Subject: "fleet.events", Data: []byte("4")})
	assert.Equal(t, int64(2), s.Dropped())

	m := <-s.Messages()
	assert.Equal(t, "1", string(m.Data))
	m = <-s.Messages()
	assert.Equal(t, "2", string(m.Data))
	assert.Empty(t, s.msgs)
}

func TestSubscriptionDeliverAfterDrain(t *testing.T) {
	s := &Subscription{msgs: make(chan Message, 1)}

	s.deliver(Message{Subject: "a", Data: []byte("x")})
	<-s.Messages()

	// Space freed: delivery resumes without touching the drop counter.
	s.deliver(Message{Subject: "a", Data: []byte("y")})
	require.Len(t, s.msgs, 1)
	assert.Zero(t, s.Dropped())
}

func TestClientConnectedFlag(t *testing.T) {
	c := &Client{}
	assert.False(t, c.Connected())

	c.setConnected(true)
	assert.True(t, c.Connected())

	c.setConnected(false)
	assert.False(t, c.Connected())
}

func TestDrainWithoutConnection(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Drain())
	assert.False(t, c.Connected())

	// Close on a never-connected client is a no-op.
	c.Close()
}
