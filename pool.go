package rsmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler processes one message. Returning nil deletes the message; an error
// leaves it to reappear after its visibility timeout.
type Handler func(ctx context.Context, queue string, msg *Message) error

// WorkerPool runs a bounded set of workers over many queues. Queues are
// picked up from "sent" events on the namespace channel and from the static
// list given with WithQueues.
type WorkerPool struct {
	client       *Client
	log          logrus.FieldLogger
	minWorkers   int
	maxWorkers   int
	handler      Handler
	queueIdle    time.Duration
	workerIdle   time.Duration
	pollInterval time.Duration
	receiveOpts  []ReceiveOption
	static       map[string]bool
	runCtx       context.Context

	mu       sync.RWMutex
	queues   map[string]*queueState
	workCh   chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	events   *eventStream

	workersMu    sync.Mutex
	workersLive  int
	nextWorkerID int
}

type queueState struct {
	name       string
	lastActive time.Time
	msgCount   int64
	failed     int64
	active     bool
	pending    bool
}

type PoolOption func(*WorkerPool)

func WithMaxWorkers(n int) PoolOption {
	return func(p *WorkerPool) { p.maxWorkers = n }
}

func WithMinWorkers(n int) PoolOption {
	return func(p *WorkerPool) { p.minWorkers = n }
}

// WithQueueIdleTimeout controls how long a worker stays on a queue that has
// no visible messages before moving on.
func WithQueueIdleTimeout(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.queueIdle = d }
}

// WithWorkerIdleTimeout controls how long a worker goroutine waits for new work
// before exiting (down to MinWorkers).
func WithWorkerIdleTimeout(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.workerIdle = d }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.pollInterval = d }
}

// WithQueues always keeps the named queues scheduled, with or without events.
func WithQueues(names ...string) PoolOption {
	return func(p *WorkerPool) {
		for _, n := range names {
			p.static[n] = true
		}
	}
}

// WithReceiveOptions applies opts to every receive made by the pool.
func WithReceiveOptions(opts ...ReceiveOption) PoolOption {
	return func(p *WorkerPool) { p.receiveOpts = append(p.receiveOpts, opts...) }
}

func NewWorkerPool(client *Client, handler Handler, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		client:       client,
		log:          client.log.WithField("component", "pool"),
		minWorkers:   0,
		maxWorkers:   10,
		handler:      handler,
		queueIdle:    5 * time.Minute,
		workerIdle:   30 * time.Second,
		pollInterval: 500 * time.Millisecond,
		static:       make(map[string]bool),
		queues:       make(map[string]*queueState),
		workCh:       make(chan string, 1000),
		stopCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *WorkerPool) Start(ctx context.Context) error {
	for name := range p.static {
		if err := ValidateQueueName(name); err != nil {
			return err
		}
	}

	if p.minWorkers < 0 {
		p.minWorkers = 0
	}
	if p.maxWorkers < 1 {
		p.maxWorkers = 1
	}
	if p.minWorkers > p.maxWorkers {
		p.minWorkers = p.maxWorkers
	}
	if p.workerIdle <= 0 {
		p.workerIdle = 30 * time.Second
	}
	if p.queueIdle <= 0 {
		p.queueIdle = 5 * time.Minute
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 500 * time.Millisecond
	}

	p.runCtx = ctx
	events, err := p.client.openEventStream(ctx, p.client.namespaceEventChannel())
	if err != nil {
		return err
	}
	p.events = events

	p.wg.Add(1)
	go p.eventListener(ctx)

	for i := 0; i < p.minWorkers; i++ {
		p.spawnWorker()
	}

	for name := range p.static {
		p.addQueue(name)
	}

	p.wg.Add(1)
	go p.idleCleaner(ctx)

	return nil
}

func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.events != nil {
			_ = p.events.close()
		}
	})
	p.wg.Wait()
}

func (p *WorkerPool) eventListener(ctx context.Context) {
	defer p.wg.Done()

	p.events.run(ctx, p.stopCh, func(ev Event) {
		if ev.Type == EventSent && ev.Queue != "" {
			p.addQueue(ev.Queue)
		}
	})
}

func (p *WorkerPool) addQueue(name string) {
	now := time.Now()
	shouldEnqueue := false

	p.mu.Lock()
	qs, exists := p.queues[name]
	if !exists {
		qs = &queueState{name: name, lastActive: now}
		p.queues[name] = qs
	}
	qs.lastActive = now
	if !qs.active {
		qs.active = true
		shouldEnqueue = true
	} else {
		qs.pending = true
	}
	p.mu.Unlock()

	if shouldEnqueue {
		p.enqueue(name)
	}
}

// enqueue hands name to the workers. When the work channel is full the
// queue is marked inactive so the next event or static requeue retries it.
func (p *WorkerPool) enqueue(name string) {
	select {
	case p.workCh <- name:
		p.maybeSpawnWorker()
		return
	default:
	}

	p.mu.Lock()
	if qs, ok := p.queues[name]; ok {
		qs.active = false
		qs.pending = false
	}
	p.mu.Unlock()
	p.log.WithField("queue", name).Warn("work channel full, queue not scheduled")
}

func (p *WorkerPool) maybeSpawnWorker() {
	// Spawn at most one worker per call if we have pending work and have capacity.
	if len(p.workCh) == 0 {
		return
	}

	p.workersMu.Lock()
	canSpawn := p.workersLive < p.maxWorkers
	p.workersMu.Unlock()
	if canSpawn {
		p.spawnWorker()
	}
}

func (p *WorkerPool) spawnWorker() {
	p.workersMu.Lock()
	if p.workersLive >= p.maxWorkers {
		p.workersMu.Unlock()
		return
	}
	id := p.nextWorkerID
	p.nextWorkerID++
	p.workersLive++
	p.workersMu.Unlock()

	p.wg.Add(1)
	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go p.worker(ctx, id)
}

// LiveWorkers returns the number of running worker goroutines.
func (p *WorkerPool) LiveWorkers() int {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return p.workersLive
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		p.workersMu.Lock()
		p.workersLive--
		p.workersMu.Unlock()
	}()

	log := p.log.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case queueName := <-p.workCh:
			p.processQueue(ctx, log, queueName)
			p.finishQueue(queueName)
		case <-time.After(p.workerIdle):
			p.workersMu.Lock()
			tooMany := p.workersLive > p.minWorkers
			p.workersMu.Unlock()
			if tooMany {
				return
			}
		}
	}
}

func (p *WorkerPool) finishQueue(queueName string) {
	// Mark queue inactive, and if new work arrived during processing (or the
	// queue is static), re-enqueue.
	shouldRequeue := false
	p.mu.Lock()
	if qs, ok := p.queues[queueName]; ok {
		if qs.pending || p.static[queueName] {
			qs.pending = false
			qs.active = true
			qs.lastActive = time.Now()
			shouldRequeue = true
		} else {
			qs.active = false
		}
	}
	p.mu.Unlock()

	if !shouldRequeue {
		return
	}
	select {
	case <-p.stopCh:
		return
	default:
	}
	p.enqueue(queueName)
}

func (p *WorkerPool) processQueue(ctx context.Context, log logrus.FieldLogger, queueName string) {
	log = log.WithField("queue", queueName)
	lastMsgAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.client.ReceiveMessageWait(ctx, queueName, p.pollInterval, p.receiveOpts...)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.WithField("error", err).Warn("receive failed")
			}
			if errors.Is(err, ErrQueueNotFound) {
				// back off so a static queue that is missing does not spin
				select {
				case <-ctx.Done():
				case <-p.stopCh:
				case <-time.After(p.queueIdle):
				}
			}
			return
		}

		if msg == nil {
			if time.Since(lastMsgAt) >= p.queueIdle {
				return
			}
			continue
		}

		lastMsgAt = time.Now()
		p.updateQueueActivity(queueName, true)

		if err := p.handler(ctx, queueName, msg); err != nil {
			p.updateQueueActivity(queueName, false)
			log.WithFields(logrus.Fields{"message_id": msg.ID, "rc": msg.ReceiveCount, "error": err}).
				Warn("handler failed, message reappears after its visibility timeout")
			continue
		}
		if _, err := p.client.DeleteMessage(ctx, queueName, msg.ID); err != nil {
			log.WithFields(logrus.Fields{"message_id": msg.ID, "error": err}).Warn("delete after handling failed")
		}
	}
}

func (p *WorkerPool) updateQueueActivity(name string, received bool) {
	p.mu.Lock()
	if qs, ok := p.queues[name]; ok {
		qs.lastActive = time.Now()
		if received {
			qs.msgCount++
		} else {
			qs.failed++
		}
	}
	p.mu.Unlock()
}

func (p *WorkerPool) idleCleaner(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanIdleQueues()
			p.rescheduleStatic()
		}
	}
}

func (p *WorkerPool) cleanIdleQueues() {
	now := time.Now()
	p.mu.Lock()
	for name, qs := range p.queues {
		if !qs.active && !p.static[name] && now.Sub(qs.lastActive) > p.queueIdle {
			delete(p.queues, name)
		}
	}
	p.mu.Unlock()
}

// rescheduleStatic picks up static queues dropped by a full work channel.
func (p *WorkerPool) rescheduleStatic() {
	var idle []string
	p.mu.RLock()
	for name := range p.static {
		if qs, ok := p.queues[name]; !ok || !qs.active {
			idle = append(idle, name)
		}
	}
	p.mu.RUnlock()
	for _, name := range idle {
		p.addQueue(name)
	}
}

// Stats returns how many messages each known queue has handed to the handler.
func (p *WorkerPool) Stats() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]int64)
	for name, qs := range p.queues {
		stats[name] = qs.msgCount
	}
	return stats
}

// Failures returns how many handler calls failed per queue.
func (p *WorkerPool) Failures() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int64)
	for name, qs := range p.queues {
		out[name] = qs.failed
	}
	return out
}
