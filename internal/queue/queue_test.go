package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	require.NoError(t, q.Publish(ctx, Repair("a")))
	require.NoError(t, q.Publish(ctx, Repair("b")))
	assert.Equal(t, 2, q.Len())

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{"a", "b"} {
		select {
		case msg := <-msgs:
			assert.Equal(t, TypeRepair, msg.Type)
			assert.Equal(t, want, string(msg.Body))
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Repair("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Repair("b")), context.DeadlineExceeded)
}

func TestInMemoryConsumeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := NewInMemory(1).Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestSerialization(t *testing.T) {
	cases := []struct {
		raw  string
		want Message
	}{
		{"repair|5f1c", Message{Type: "repair", Body: []byte("5f1c")}},
		{"repair|a|b", Message{Type: "repair", Body: []byte("a|b")}},
		{"plain", Message{Body: []byte("plain")}},
		{"|", Message{Type: "", Body: []byte("")}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, deserialize(tc.raw), tc.raw)
	}
	assert.Equal(t, "repair|x", serialize(Repair("x")))
}
