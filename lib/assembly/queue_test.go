package assembly

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueStartsImmediatelyBelowCap(t *testing.T) {
	q := newAssemblyQueue(2)

	started := make(chan string, 2)
	pos := q.Enqueue("asm-1", func() { started <- "asm-1" })
	require.Equal(t, 0, pos)

	pos = q.Enqueue("asm-2", func() { started <- "asm-2" })
	require.Equal(t, 0, pos)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("queued assembly never started")
		}
	}
	require.Equal(t, 2, q.ActiveCount())
}

func TestQueueHoldsBeyondCap(t *testing.T) {
	q := newAssemblyQueue(1)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	q.Enqueue("asm-running", func() {
		defer wg.Done()
		<-release
		q.MarkComplete("asm-running")
	})

	thirdStarted := make(chan struct{})
	require.Equal(t, 1, q.Enqueue("asm-waiting", func() {
		q.MarkComplete("asm-waiting")
	}))
	require.Equal(t, 2, q.Enqueue("asm-third", func() {
		close(thirdStarted)
		q.MarkComplete("asm-third")
	}))

	require.Nil(t, q.Position("asm-running"))
	require.Equal(t, 1, *q.Position("asm-waiting"))
	require.Equal(t, 2, *q.Position("asm-third"))
	require.Equal(t, 2, q.PendingCount())

	close(release)
	wg.Wait()

	select {
	case <-thirdStarted:
	case <-time.After(time.Second):
		t.Fatal("waiting assemblies never promoted")
	}
}

func TestQueuePositionUnknownID(t *testing.T) {
	q := newAssemblyQueue(1)
	require.Nil(t, q.Position("asm-nope"))
}

func TestQueueMinimumConcurrency(t *testing.T) {
	q := newAssemblyQueue(0)

	started := make(chan struct{})
	require.Equal(t, 0, q.Enqueue("asm-1", func() { close(started) }))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("assembly never started with zero-valued cap")
	}
}
