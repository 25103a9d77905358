package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"coscene/internal/events"
)

// ErrDispatcherBusy is returned when the shared intake queue is full.
// Callers should surface it as backpressure rather than retry blindly.
var ErrDispatcherBusy = errors.New("worker: dispatcher queue full")

// ErrSessionCancelled is delivered as the Outcome of a job dropped by
// CancelSession before any worker picked it up.
var ErrSessionCancelled = errors.New("worker: session cancelled before the edit ran")

type sessionQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to the pool one per ready session in LRU order.
// Edits on the same session may still overlap once dispatched; the
// store's version conflict detection covers that race.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[int64]*sessionQueue
	ready     *list.List // LRU list of session IDs with pending jobs
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, executor Executor, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, executor)

	d := &Dispatcher{
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		jobQueue:  make(chan Job, queueSize),
	}

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues one edit job. It never blocks; a full intake queue
// returns ErrDispatcherBusy.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// CancelSession drops every pending job of one session. Jobs already
// handed to a worker keep running; their context carries cancellation.
// Each dropped job's stream is terminated and its Done signalled, so
// subscribers draining the stream unblock instead of waiting forever.
func (d *Dispatcher) CancelSession(sessionID int64) {
	d.mu.Lock()
	q := d.queues[sessionID]
	delete(d.queues, sessionID)
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
	d.mu.Unlock()

	if q == nil {
		return
	}
	for _, job := range q.jobs {
		abortJob(job)
	}
}

// abortJob tells a dropped job's subscriber and submitter that the
// work will never run. The stream of a job that never reached a worker
// has an empty buffer, so the publishes cannot block.
func abortJob(job Job) {
	if job.Stream != nil {
		job.Stream.Publish(events.Error{Code: "cancelled", Message: "session deleted before the edit ran"})
		job.Stream.Publish(events.Status{State: events.StatusFailed})
		job.Stream.Close()
	}
	if job.Done != nil {
		select {
		case job.Done <- Outcome{Err: ErrSessionCancelled}:
		default:
		}
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			job := <-d.jobQueue // nothing pending, block on intake
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	sessionID := job.Req.SessionID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(sessionID)
	d.positions[sessionID] = elem
}

// dispatchOne takes the least recently served ready session and hands
// its oldest job to a worker. The worker is acquired before the job is
// popped, so for as long as the pool is saturated a pending job stays
// in its session queue where CancelSession can still reach it.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	empty := d.ready.Front() == nil
	d.mu.Unlock()
	if empty {
		return false
	}

	workerChan := d.pool.acquire()

	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		// Everything pending was cancelled while waiting for a worker.
		d.mu.Unlock()
		d.pool.release(workerChan)
		return false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	debugLog("[dispatcher] assign edit for session %d to worker-%d", sessionID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}
