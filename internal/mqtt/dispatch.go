package mqtt

import "sync"

// dispatcher runs inbound handlers one at a time, in arrival order, on its
// own goroutine. Enqueue never blocks, so the paho router is free to keep
// reading (including the acks a handler's own publish waits for).
type dispatcher struct {
	mu      sync.Mutex
	pending []func()

	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(f func()) {
	d.mu.Lock()
	d.pending = append(d.pending, f)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			select {
			case <-d.done:
				return
			default:
			}
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			f := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			d.mu.Unlock()
			f()
		}
	}
}

// stop waits for the running handler, if any, and discards the rest.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	<-d.stopped
}
