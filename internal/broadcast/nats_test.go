package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFabric connects a fabric, standing in for one server process.
func startFabric(t *testing.T, url string) *NATSFabric {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	f := NewNATSFabric(nc, "test.group", nil)
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		nc.Close()
	})
	return f
}

func TestNATSFabricAcrossProcesses(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	ctx := context.Background()
	a := startFabric(t, srv.ClientURL())
	b := startFabric(t, srv.ClientURL())

	onA := newRecorder()
	onB := newRecorder()
	require.NoError(t, a.Join(ctx, "conversation_x.y z", onA))
	require.NoError(t, b.Join(ctx, "conversation_x.y z", onB))

	require.NoError(t, a.Publish(ctx, "conversation_x.y z", []byte("one")))
	require.NoError(t, a.Publish(ctx, "conversation_x.y z", []byte("two")))
	assert.Equal(t, "one", onA.next(t))
	assert.Equal(t, "two", onA.next(t))
	assert.Equal(t, "one", onB.next(t))
	assert.Equal(t, "two", onB.next(t))

	require.NoError(t, b.Leave(ctx, "conversation_x.y z", onB))
	require.NoError(t, a.Publish(ctx, "conversation_x.y z", []byte("three")))
	assert.Equal(t, "three", onA.next(t))
	onB.assertEmpty(t, 200*time.Millisecond)

	groups, err := b.GroupsOf(ctx, onB)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestNATSFabricInvalidGroup(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	f := startFabric(t, srv.ClientURL())
	assert.ErrorIs(t, f.Join(context.Background(), "", newRecorder()), ErrInvalidGroup)
	assert.ErrorIs(t, f.Publish(context.Background(), "", nil), ErrInvalidGroup)
}

func TestNATSFabricNoRetroactiveDelivery(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	ctx := context.Background()
	a := startFabric(t, srv.ClientURL())
	b := startFabric(t, srv.ClientURL())

	remote := newRecorder()
	require.NoError(t, b.Join(ctx, "conversation_r", remote))

	for i := 0; i < 50; i++ {
		group := fmt.Sprintf("conversation_%d", i)
		early := newRecorder()
		late := newRecorder()
		require.NoError(t, a.Join(ctx, group, early))
		require.NoError(t, a.Publish(ctx, group, []byte("before-join")))
		require.NoError(t, a.Join(ctx, group, late))
		require.NoError(t, a.Publish(ctx, group, []byte("after-join")))

		assert.Equal(t, "before-join", early.next(t))
		assert.Equal(t, "after-join", early.next(t))
		assert.Equal(t, "after-join", late.next(t), "round %d", i)
		late.assertEmpty(t, 10*time.Millisecond)
	}

	// Join barriers travel on the group subject but never reach members.
	first := newRecorder()
	second := newRecorder()
	require.NoError(t, a.Join(ctx, "conversation_r", first))
	require.NoError(t, a.Join(ctx, "conversation_r", second))
	require.NoError(t, b.Publish(ctx, "conversation_r", []byte("payload")))
	for _, r := range []*recorder{remote, first, second} {
		assert.Equal(t, "payload", r.next(t))
		r.assertEmpty(t, 50*time.Millisecond)
	}
}

func TestNATSFabricJoinRollsBackOnFlushFailure(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	ctx := context.Background()
	f := startFabric(t, srv.ClientURL())
	f.joinTimeout = 0

	sub := newRecorder()
	assert.Error(t, f.Join(ctx, "user_1", sub))

	n, err := f.Members(ctx, "user_1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.nc.NumSubscriptions())

	f.mu.Lock()
	assert.Empty(t, f.groups)
	f.mu.Unlock()
}

func TestNATSFabricJoinLocksPerGroup(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	ctx := context.Background()
	f := startFabric(t, srv.ClientURL())

	// A membership change stuck on one group does not hold up another.
	busy := f.lockGroup("user_busy")
	defer f.unlockGroup("user_busy", busy)

	done := make(chan error, 1)
	go func() { done <- f.Join(ctx, "user_free", newRecorder()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join on an unrelated group blocked")
	}
}
