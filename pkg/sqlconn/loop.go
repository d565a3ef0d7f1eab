package sqlconn

import "sync"

// loop runs posted funcs one at a time, in posting order, on its own goroutine.
// The backlog is unbounded so posting never blocks the poster.
type loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	stopped bool
	done    chan struct{}
}

func newLoop() *loop {
	l := &loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// post appends fn to the backlog. It reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.pending = append(l.pending, fn)
	l.cond.Signal()
	return true
}

// stop refuses further posts. Funcs already posted still run.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		fn()
	}
}
