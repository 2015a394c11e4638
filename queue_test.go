package isolate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueue_HeadBeforeTail(t *testing.T) {
	var q messageQueue
	msgs := make([]*Message, 6)
	for i := range msgs {
		msgs[i] = NewMessage(Port(i+1), nil, PriorityNormal)
	}
	q.enqueue(msgs[0], false)
	q.enqueue(msgs[1], true)
	q.enqueue(msgs[2], false)
	q.enqueue(msgs[3], true)
	assert.Equal(t, 4, q.len())

	want := []*Message{msgs[1], msgs[3], msgs[0], msgs[2]}
	for _, m := range want {
		assert.Same(t, m, q.dequeue())
	}
	assert.Nil(t, q.dequeue())
	assert.Equal(t, 0, q.len())
}

func TestMessageQueue_SpansChunks(t *testing.T) {
	var q messageQueue
	const n = messageChunkSize*3 + 5
	for i := range n {
		q.enqueue(NewMessage(Port(i+1), nil, PriorityNormal), false)
	}
	require.Equal(t, n, q.len())
	for i := range n {
		msg := q.dequeue()
		require.NotNil(t, msg)
		require.Equal(t, Port(i+1), msg.Dest())
	}
	assert.Nil(t, q.dequeue())

	// reusable once drained
	q.enqueue(NewMessage(7, nil, PriorityNormal), false)
	assert.Equal(t, Port(7), q.dequeue().Dest())
}

func TestMessageQueue_Clear(t *testing.T) {
	var q messageQueue
	for i := range messageChunkSize + 1 {
		q.enqueue(NewMessage(Port(i+1), nil, PriorityNormal), i%2 == 0)
	}
	q.clear()
	assert.Equal(t, 0, q.len())
	assert.Nil(t, q.dequeue())
	q.enqueue(NewMessage(1, nil, PriorityNormal), true)
	assert.Equal(t, 1, q.len())
}

func TestMessage_Redirect(t *testing.T) {
	msg := NewMessageWithDeliveryFailure(1, []byte{1}, PriorityOOB, 2)
	r, ok := msg.redirect()
	require.True(t, ok)
	assert.Equal(t, Port(2), r.Dest())
	assert.Equal(t, IllegalPort, r.DeliveryFailurePort())
	assert.True(t, r.IsOOB())
	assert.Equal(t, msg.Payload(), r.Payload())

	_, ok = r.redirect()
	assert.False(t, ok)
	_, ok = NewMessage(1, nil, PriorityNormal).redirect()
	assert.False(t, ok)
}
