package processional

import (
	"container/list"
	"context"
	"sync"
)

// taskKey identifies a request across every session of one slave.
type taskKey struct {
	session uint64
	id      uint64
}

// interruptController owns the cancel function of every queued or running
// task. Interruption is cooperative: only code that watches its context
// stops early.
type interruptController struct {
	mu    sync.Mutex
	tasks map[taskKey]context.CancelCauseFunc
}

func newInterruptController() *interruptController {
	return &interruptController{tasks: make(map[taskKey]context.CancelCauseFunc)}
}

// track derives the context a task runs under. The returned func must be
// called once the task is finished.
func (c *interruptController) track(parent context.Context, key taskKey) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	c.mu.Lock()
	c.tasks[key] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.tasks, key)
		c.mu.Unlock()
		cancel(nil)
	}
}

// interrupt cancels the task's context and reports whether it was tracked.
func (c *interruptController) interrupt(key taskKey) bool {
	c.mu.Lock()
	cancel, ok := c.tasks[key]
	c.mu.Unlock()
	if ok {
		cancel(ErrInterrupted)
	}
	return ok
}

// interruptSession cancels every task belonging to session.
func (c *interruptController) interruptSession(session uint64) int {
	c.mu.Lock()
	var cancels []context.CancelCauseFunc
	for key, cancel := range c.tasks {
		if key.session == session {
			cancels = append(cancels, cancel)
		}
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel(ErrInterrupted)
	}
	return len(cancels)
}

func (c *interruptController) running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

type job struct {
	key  taskKey
	ctx  context.Context
	run  func(ctx context.Context)
	drop func()
}

// executor runs jobs one at a time in arrival order. It is the only code
// path that touches the live-object table while serving requests.
type executor struct {
	mu    sync.Mutex
	queue *list.List
	index map[taskKey]*list.Element

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newExecutor() *executor {
	e := &executor{
		queue: list.New(),
		index: make(map[taskKey]*list.Element),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) push(j *job) bool {
	select {
	case <-e.stop:
		return false
	default:
	}

	e.mu.Lock()
	el := e.queue.PushBack(j)
	if j.key.id != 0 {
		e.index[j.key] = el
	}
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// remove takes a still-queued job out of the queue.
func (e *executor) remove(key taskKey) bool {
	e.mu.Lock()
	el, ok := e.index[key]
	if ok {
		delete(e.index, key)
		e.queue.Remove(el)
	}
	e.mu.Unlock()
	if ok {
		if j := el.Value.(*job); j.drop != nil {
			j.drop()
		}
	}
	return ok
}

// removeSession drops every queued job of session.
func (e *executor) removeSession(session uint64) int {
	e.mu.Lock()
	var dropped []*job
	for el := e.queue.Front(); el != nil; {
		next := el.Next()
		j := el.Value.(*job)
		if j.key.session == session && j.key.id != 0 {
			e.queue.Remove(el)
			delete(e.index, j.key)
			dropped = append(dropped, j)
		}
		el = next
	}
	e.mu.Unlock()
	for _, j := range dropped {
		if j.drop != nil {
			j.drop()
		}
	}
	return len(dropped)
}

func (e *executor) pop() *job {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.queue.Front()
	if el == nil {
		return nil
	}
	e.queue.Remove(el)
	j := el.Value.(*job)
	delete(e.index, j.key)
	return j
}

func (e *executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		j := e.pop()
		if j == nil {
			select {
			case <-e.wake:
				continue
			case <-e.stop:
				return
			}
		}
		ctx := j.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		j.run(ctx)
	}
}

// close stops the loop after the running job; queued jobs are dropped.
func (e *executor) close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done

	e.mu.Lock()
	var dropped []*job
	for el := e.queue.Front(); el != nil; el = el.Next() {
		dropped = append(dropped, el.Value.(*job))
	}
	e.queue.Init()
	e.index = make(map[taskKey]*list.Element)
	e.mu.Unlock()
	for _, j := range dropped {
		if j.drop != nil {
			j.drop()
		}
	}
}
