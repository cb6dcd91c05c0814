package process_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippy/relay/internal/relay/process"
)

func TestMailbox_SendAndReceive(t *testing.T) {
	m := process.NewMailbox(4)
	require.NoError(t, m.Send("topic.a", 1))

	env := <-m.Inbox()
	assert.Equal(t, "topic.a", env.Topic)
	assert.Equal(t, 1, env.Payload)
}

func TestMailbox_Send_DropsWhenFull(t *testing.T) {
	m := process.NewMailbox(1)
	require.NoError(t, m.Send("a", nil))
	assert.ErrorIs(t, m.Send("b", nil), process.ErrMailboxFull)
}

func TestMailbox_SendBlocking_WaitsForRoom(t *testing.T) {
	m := process.NewMailbox(1)
	require.NoError(t, m.SendBlocking(context.Background(), "a", nil))

	done := make(chan error, 1)
	go func() {
		done <- m.SendBlocking(context.Background(), "b", nil)
	}()

	select {
	case <-done:
		t.Fatal("SendBlocking returned before the inbox had room")
	case <-time.After(20 * time.Millisecond):
	}

	<-m.Inbox() // drain "a", making room
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendBlocking did not unblock after room freed up")
	}
}

func TestMailbox_SendBlocking_ContextCancel(t *testing.T) {
	m := process.NewMailbox(1)
	require.NoError(t, m.SendBlocking(context.Background(), "a", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.SendBlocking(ctx, "b", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_Cancel_Idempotent(t *testing.T) {
	m := process.NewMailbox(1)
	m.Cancel(time.Second)
	m.Cancel(2 * time.Second) // dropped: a cancel is already pending

	select {
	case g := <-m.CancelRequests():
		assert.Equal(t, time.Second, g)
	default:
		t.Fatal("expected a pending cancel request")
	}
}

func TestRunWithGrace_CompletesInTime(t *testing.T) {
	ran := false
	process.RunWithGrace(time.Second, func() {
		ran = true
	})
	assert.True(t, ran)
}

func TestRunWithGrace_AbandonsAfterGrace(t *testing.T) {
	start := time.Now()
	process.RunWithGrace(20*time.Millisecond, func() {
		time.Sleep(time.Second)
	})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
