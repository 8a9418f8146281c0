package engine_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/engine"

	"github.com/stretchr/testify/require"
)

func TestHub(t *testing.T) {
	t.Parallel()
	hub := engine.NewHub()

	sub1 := hub.Subscribe(8)
	sub2 := hub.Subscribe(8)
	require.Equal(t, 2, hub.Len())

	hub.Emit(engine.ToolData("t1", "a"))
	hub.Emit(engine.ToolData("t1", "b"))

	for _, sub := range []*engine.Subscription{sub1, sub2} {
		require.Equal(t, "a", (<-sub.Events()).Data)
		require.Equal(t, "b", (<-sub.Events()).Data)
	}

	sub1.Cancel()
	sub1.Cancel()
	_, ok := <-sub1.Events()
	require.False(t, ok)
	require.Equal(t, 1, hub.Len())

	hub.Emit(engine.JobKilled("t1"))
	require.Equal(t, engine.EventJobKilled, (<-sub2.Events()).Type)

	hub.Close()
	_, ok = <-sub2.Events()
	require.False(t, ok)
	sub2.Cancel()
	require.Zero(t, hub.Len())

	sub3 := hub.Subscribe(1)
	defer sub3.Cancel()
	_, ok = <-sub3.Events()
	require.False(t, ok, "subscription to a closed hub is closed")
	hub.Emit(engine.ToolData("t1", "dropped"))
}

func TestHub_StalledSubscriber(t *testing.T) {
	t.Parallel()
	hub := engine.NewHub()
	defer hub.Close()
	stalled := hub.Subscribe(0)
	defer stalled.Cancel()
	reader := hub.Subscribe(0)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := range 100 {
			hub.Emit(engine.ToolData("t1", fmt.Sprint(i)))
		}
	}()
	select {
	case <-emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a subscriber which does not read")
	}

	for i := range 100 {
		require.Equal(t, fmt.Sprint(i), (<-reader.Events()).Data)
	}
	reader.Cancel()
	require.Equal(t, 1, hub.Len())
}

func TestHub_Drain(t *testing.T) {
	t.Parallel()
	hub := engine.NewHub()
	defer hub.Close()
	sub := hub.Subscribe(0)

	hub.Emit(engine.ToolData("t1", "a"))
	hub.Emit(engine.ToolDataDone("t1", 0, "/bin/"))
	sub.Drain()
	hub.Emit(engine.ToolData("t1", "after drain"))

	var got []engine.EventType
	for e := range sub.Events() {
		got = append(got, e.Type)
	}
	require.Equal(t, []engine.EventType{engine.EventToolData, engine.EventToolDataDone}, got)
	require.Zero(t, hub.Len())
}

func TestHub_QueueLimit(t *testing.T) {
	t.Parallel()
	hub := engine.NewHub()
	defer hub.Close()
	stalled := hub.Subscribe(0)

	for range engine.MaxQueued + 2 {
		hub.Emit(engine.ToolData("t1", "x"))
	}
	require.Zero(t, hub.Len(), "subscriber too far behind is cancelled")
	for range stalled.Events() {
	}
}
