package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(out *[]string) DeliveryHandler {
	return func(d Delivery) {
		*out = append(*out, string(d.Body()))
		_ = d.Ack()
	}
}

func TestMemoryBroker_DirectRoutingByKey(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	require.NoError(t, conn.Connect(ctx))

	require.NoError(t, conn.DeclareExchange("user", ExchangeDirect))
	for _, q := range []string{"qa", "qb"} {
		_, err := conn.DeclareQueue(q, QueueOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, conn.BindQueue("qa", "a", "user"))
	require.NoError(t, conn.BindQueue("qb", "b", "user"))

	var gotA, gotB []string
	_, err := conn.Consume("qa", collect(&gotA))
	require.NoError(t, err)
	_, err = conn.Consume("qb", collect(&gotB))
	require.NoError(t, err)

	require.NoError(t, conn.Publish(ctx, "user", "a", []byte("one")))
	require.NoError(t, conn.Publish(ctx, "user", "c", []byte("nobody")))

	assert.Equal(t, []string{"one"}, gotA)
	assert.Empty(t, gotB)
	assert.Len(t, mb.Published(), 2)
	assert.Equal(t, 1, mb.Acked())
}

func TestMemoryBroker_FanoutCopiesToEveryQueue(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.DeclareExchange("global", ExchangeFanout))

	var got1, got2 []string
	for _, q := range []string{"g1", "g2"} {
		_, err := conn.DeclareQueue(q, QueueOptions{AutoDelete: true})
		require.NoError(t, err)
		require.NoError(t, conn.BindQueue(q, "", "global"))
	}
	_, err := conn.Consume("g1", collect(&got1))
	require.NoError(t, err)
	_, err = conn.Consume("g2", collect(&got2))
	require.NoError(t, err)

	require.NoError(t, conn.Publish(ctx, "global", "ignored", []byte("hello")))
	assert.Equal(t, []string{"hello"}, got1)
	assert.Equal(t, []string{"hello"}, got2)
}

func TestMemoryBroker_RoundRobinAndPending(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	require.NoError(t, conn.Connect(ctx))
	_, err := conn.DeclareQueue("jobs", QueueOptions{Durable: true})
	require.NoError(t, err)

	require.NoError(t, conn.Publish(ctx, DefaultExchange, "jobs", []byte("early")))
	assert.Equal(t, [][]byte{[]byte("early")}, mb.Pending("jobs"))

	var first, second []string
	_, err = conn.Consume("jobs", collect(&first))
	require.NoError(t, err)
	assert.Equal(t, []string{"early"}, first)
	assert.Empty(t, mb.Pending("jobs"))

	_, err = conn.Consume("jobs", collect(&second))
	require.NoError(t, err)

	require.NoError(t, conn.Publish(ctx, DefaultExchange, "jobs", []byte("x")))
	require.NoError(t, conn.Publish(ctx, DefaultExchange, "jobs", []byte("y")))
	assert.Len(t, first, 2)
	assert.Len(t, second, 1)
}

func TestMemoryBroker_AutoDeleteOnLastCancel(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.DeclareExchange("user", ExchangeDirect))
	_, err := conn.DeclareQueue("user.u1.x", QueueOptions{AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, conn.BindQueue("user.u1.x", "u1", "user"))

	tag1, err := conn.Consume("user.u1.x", func(d Delivery) { _ = d.Ack() })
	require.NoError(t, err)
	tag2, err := conn.Consume("user.u1.x", func(d Delivery) { _ = d.Ack() })
	require.NoError(t, err)

	require.NoError(t, conn.Cancel(tag1))
	assert.True(t, mb.HasQueue("user.u1.x"))
	require.NoError(t, conn.Cancel(tag2))
	assert.False(t, mb.HasQueue("user.u1.x"))

	// binding went with the queue, so nothing is parked
	require.NoError(t, conn.Publish(ctx, "user", "u1", []byte("lost")))
	assert.Nil(t, mb.Pending("user.u1.x"))

	assert.Error(t, conn.Cancel(tag1))
}

func TestMemoryBroker_DisconnectedOperationsFail(t *testing.T) {
	ctx := context.Background()
	mb := NewMemoryBroker()
	conn := mb.Dial()

	var events []EventType
	conn.NotifyLifecycle(func(e Event) { events = append(events, e.Type) })

	assert.ErrorIs(t, conn.Publish(ctx, DefaultExchange, "q", nil), ErrNotConnected)

	require.NoError(t, conn.Connect(ctx))
	conn.Drop("connection reset")
	assert.ErrorIs(t, conn.Publish(ctx, DefaultExchange, "q", nil), ErrNotConnected)
	assert.Equal(t, []EventType{EventConnect, EventDisconnect}, events)
}

func TestMemoryDelivery_SettlesOnce(t *testing.T) {
	d := &memDelivery{broker: NewMemoryBroker()}
	require.NoError(t, d.Ack())
	assert.Error(t, d.Nack(false))
	assert.Equal(t, 1, d.broker.Acked())
	assert.Equal(t, 0, d.broker.Nacked())
}
