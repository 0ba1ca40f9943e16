package reflex

import (
	"runtime/metrics"
	"sync/atomic"
	"time"
)

const (
	allocsMetric         = "/gc/heap/allocs:bytes"
	memorySampleInterval = 5 * time.Millisecond
)

// memoryWatch charges a call for the heap bytes allocated while it runs.
// The counter is process wide, so allocations made concurrently elsewhere
// are charged as well: the budget is an upper bound, never an undercount.
type memoryWatch struct {
	limit    uint64
	base     uint64
	exceeded atomic.Bool
	done     chan struct{}
	stopped  chan struct{}
}

func heapAllocs() uint64 {
	s := []metrics.Sample{{Name: allocsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// watchMemory samples allocations until stop and calls onExceed once when
// they pass limit. A non-positive limit disables the watch.
func watchMemory(limit int64, onExceed func()) *memoryWatch {
	w := &memoryWatch{done: make(chan struct{}), stopped: make(chan struct{})}
	if limit <= 0 {
		close(w.stopped)
		return w
	}
	w.limit = uint64(limit)
	w.base = heapAllocs()
	go w.loop(onExceed)
	return w
}

func (w *memoryWatch) loop(onExceed func()) {
	defer close(w.stopped)
	t := time.NewTicker(memorySampleInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if w.check() {
				onExceed()
				return
			}
		}
	}
}

func (w *memoryWatch) check() bool {
	if w.limit == 0 {
		return false
	}
	if heapAllocs()-w.base > w.limit {
		w.exceeded.Store(true)
	}
	return w.exceeded.Load()
}

// stop ends sampling and reports whether the call went over budget. A
// single large allocation between samples is caught here.
func (w *memoryWatch) stop() bool {
	close(w.done)
	<-w.stopped
	return w.check()
}
