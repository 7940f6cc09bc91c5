package vehicle

import (
	"sync"
	"testing"

	"overdrive/pkg/protocol"
)

func TestQueueFIFO(t *testing.T) {
	q := newCommandQueue()
	if _, ok := q.TryDequeue(); ok {
		t.Fatalf("empty queue must not dequeue")
	}
	for i := 0; i <= 100; i++ {
		q.Enqueue(protocol.EncodeSetSpeed(uint16(i), 0))
	}
	for i := 0; i <= 100; i++ {
		f, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("queue drained early at %d", i)
		}
		if got := int(f[2]) | int(f[3])<<8; got != i {
			t.Fatalf("dequeued speed %d, want %d", got, i)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after drain", q.Len())
	}
}

func TestQueueMultiFrameEnqueueStaysAdjacent(t *testing.T) {
	q := newCommandQueue()
	q.Enqueue(protocol.EncodeSetLaneOffset(0), protocol.EncodeChangeLane(500, 500, 44.5))
	a, _ := q.TryDequeue()
	b, _ := q.TryDequeue()
	if a[1] != protocol.CmdSetLaneOffset || b[1] != protocol.CmdChangeLane {
		t.Fatalf("pair out of order: %#x then %#x", a[1], b[1])
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newCommandQueue()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(protocol.EncodePing())
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	if n != producers*perProducer {
		t.Fatalf("dequeued %d frames, want %d", n, producers*perProducer)
	}
}
