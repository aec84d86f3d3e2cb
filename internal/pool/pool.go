package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Func runs one iteration of a task and returns when the task is due next.
// The zero time removes the task from the pool.
type Func func(context.Context) time.Time

// Pool executes tasks in order of their deadlines, using a fixed number of goroutines.
// If a task is added while the pool is waiting for the next task, it will wake up
// the waiting goroutine to process the new task immediately. Workers stop
// once the context the pool was created with is done; running tasks observe
// the same context.
type Pool struct {
	ctx   context.Context
	mu    sync.Mutex
	queue []*task
	reg   map[string]*task
	wait  chan struct{}
	wg    sync.WaitGroup
}

type task struct {
	name     string
	fn       Func
	deadline time.Time
	rerun    bool
	removed  bool
}

func New(ctx context.Context, workers int) *Pool {
	p := &Pool{ctx: ctx, reg: make(map[string]*task)}

	p.wg.Add(workers)
	for range workers {
		go p.work()
	}

	return p
}

// Add schedules fn under name to run as soon as a worker is free.
func (p *Pool) Add(name string, fn Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reg[name]; ok {
		return fmt.Errorf("task %s already exists", name)
	}

	t := &task{name: name, fn: fn, deadline: time.Now()}
	p.reg[name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
	return nil
}

// Remove drops the named task. A running task is dropped once its current
// run returns. It reports whether the task existed.
func (p *Pool) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[name]
	if !ok {
		return false
	}
	delete(p.reg, name)

	if i := slices.Index(p.queue, t); i != -1 {
		p.queue = slices.Delete(p.queue, i, i+1)
	} else {
		t.removed = true
	}
	return true
}

// Names returns the names of all registered tasks, sorted.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.reg))
	for name := range p.reg {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// work is the main loop for each worker goroutine.
func (p *Pool) work() {
	defer p.wg.Done()
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.execute(p.ctx))
	}
}

// Trigger runs the named task NOW, if it is in the queue, regardless of the
// previous deadline, by pulling it into the front of the queue. If the named
// task is not queued, it's running. In that case, we'll have it override its
// next deadline to NOW, causing an immediate re-run after the current run.
// Subsequent runs will use the deadline returned by the task's `fn`.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// if it's not in p.queue, it must be running at the moment
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake must be called with p.mu held.
func (p *Pool) sortAndWake() {
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.rerun {
		t.rerun = false
		if !t.deadline.IsZero() {
			t.deadline = time.Now()
		}
	}

	if t.removed || t.deadline.IsZero() {
		if p.reg[t.name] == t {
			delete(p.reg, t.name)
		}
		return
	}

	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue returns the next due task, or nil once the pool's context is done.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil {
			return nil
		}

		deadline := time.Now().Add(24 * time.Hour)
		if len(p.queue) > 0 {
			deadline = p.queue[0].deadline
		}
		if len(p.queue) > 0 && !deadline.After(time.Now()) {
			break
		}

		// Wait for the first task to become due or another (potentially earlier) task to arrive.
		if p.wait == nil {
			p.wait = make(chan struct{})
		}
		wait := p.wait

		p.mu.Unlock()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-timer.C:
		case <-wait:
		case <-p.ctx.Done():
		}
		timer.Stop()
		p.mu.Lock()
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	return t
}
