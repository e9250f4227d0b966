// Package orchestrator drives the full client-side lifecycle of one run:
// submit, stream, poll. It owns at most one live run handle at a time and
// publishes a single coherent state to observers regardless of which of
// the three channels (submit response, stream events, poll response)
// produced the change.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/client"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trace"
)

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseSubmitting     Phase = "submitting"
	PhaseStreaming      Phase = "streaming"
	PhaseAwaitingResult Phase = "awaiting_result"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// State is an immutable snapshot of the run lifecycle. On Failed, Err
// carries the cause; Result and Err are never both set for one attempt.
type State struct {
	Phase  Phase
	Handle swarm.RunHandle
	Trace  []trace.Event
	Result *swarm.RunResult
	Err    error
}

type StateListener func(State)

// eventStream is the consumer half of a stream subscription.
type eventStream interface {
	Events() <-chan trace.Event
	Close() error
}

// runClient is the gateway surface the orchestrator depends on. Tests
// substitute fakes; production wiring uses gatewayClient.
type runClient interface {
	StartRun(ctx context.Context, req *swarm.RunRequest) (swarm.RunHandle, error)
	OpenStream(ctx context.Context, h swarm.RunHandle) (eventStream, error)
	FetchResult(ctx context.Context, h swarm.RunHandle) (*swarm.RunResult, error)
}

type gatewayClient struct {
	c *client.Client
}

func (g gatewayClient) StartRun(ctx context.Context, req *swarm.RunRequest) (swarm.RunHandle, error) {
	return g.c.StartRun(ctx, req)
}

func (g gatewayClient) OpenStream(ctx context.Context, h swarm.RunHandle) (eventStream, error) {
	s, err := g.c.OpenStream(ctx, h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (g gatewayClient) FetchResult(ctx context.Context, h swarm.RunHandle) (*swarm.RunResult, error) {
	return g.c.FetchResult(ctx, h)
}

type Orchestrator struct {
	client runClient
	log    *trace.Log

	mu     sync.Mutex
	phase  Phase
	handle swarm.RunHandle
	result *swarm.RunResult
	err    error
	gen    int
	stream eventStream
	cancel context.CancelFunc

	listenerMu sync.RWMutex
	listeners  []StateListener
}

// New creates an orchestrator driving runs through the given gateway client.
func New(c *client.Client) *Orchestrator {
	return newOrchestrator(gatewayClient{c})
}

func newOrchestrator(c runClient) *Orchestrator {
	return &Orchestrator{
		client: c,
		log:    trace.NewLog(),
		phase:  PhaseIdle,
	}
}

// OnUpdate registers a listener invoked with a snapshot after every state
// change. Listeners run on the goroutine that caused the change.
func (o *Orchestrator) OnUpdate(l StateListener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listeners = append(o.listeners, l)
}

// State returns the current snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

// Start begins a new run attempt. Any prior attempt is superseded first:
// its stream detached, its poll abandoned, the trace cleared. Start blocks
// until submission resolves and returns its error; stream consumption and
// result polling continue in the background.
func (o *Orchestrator) Start(ctx context.Context, req *swarm.RunRequest) error {
	o.mu.Lock()
	o.supersedeLocked()
	gen := o.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.phase = PhaseSubmitting
	st := o.stateLocked()
	o.mu.Unlock()
	o.notify(st)

	h, err := o.client.StartRun(ctx, req)

	o.mu.Lock()
	if gen != o.gen {
		// Superseded while submitting; the new attempt owns the state.
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		o.phase = PhaseFailed
		o.err = err
		st = o.stateLocked()
		o.mu.Unlock()
		o.notify(st)
		return err
	}
	o.handle = h
	o.phase = PhaseStreaming
	st = o.stateLocked()
	o.mu.Unlock()
	o.notify(st)

	go o.pump(attemptCtx, gen, h)
	return nil
}

// Close abandons any active attempt and releases its resources. The
// orchestrator may be reused with a subsequent Start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.supersedeLocked()
	o.phase = PhaseIdle
	o.mu.Unlock()
}

// supersedeLocked abandons the current attempt: detaches its stream,
// cancels its poll and resets per-run state. Caller holds o.mu.
func (o *Orchestrator) supersedeLocked() {
	if o.stream != nil {
		o.stream.Close()
		o.stream = nil
	}
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
	o.log.Clear()
	o.result = nil
	o.err = nil
	o.handle = swarm.RunHandle{}
}

// pump attaches the stream and feeds its events into the trace until the
// terminal done event hands over to the result poll. All transitions for
// one attempt run on this goroutine.
func (o *Orchestrator) pump(ctx context.Context, gen int, h swarm.RunHandle) {
	es, err := o.client.OpenStream(ctx, h)
	if err != nil {
		// An attach failure is a stream-channel failure: informational,
		// the remote job may still be running.
		o.record(gen, trace.Event{Type: trace.EventTransportError, Time: time.Now().UTC(), Message: err.Error()})
		return
	}

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		es.Close()
		return
	}
	o.stream = es
	o.mu.Unlock()

	defer es.Close()

	for {
		select {
		case ev, ok := <-es.Events():
			if !ok {
				return
			}
			o.record(gen, ev)
			if ev.Terminal() {
				o.await(ctx, gen, h)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) record(gen int, ev trace.Event) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.log.Append(ev)
	st := o.stateLocked()
	o.mu.Unlock()
	o.notify(st)
}

// await detaches the stream and fetches the authoritative result. The
// transition happens at most once per attempt; results arriving for a
// superseded attempt are discarded unapplied.
func (o *Orchestrator) await(ctx context.Context, gen int, h swarm.RunHandle) {
	o.mu.Lock()
	if gen != o.gen || o.phase != PhaseStreaming {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseAwaitingResult
	if o.stream != nil {
		o.stream.Close()
		o.stream = nil
	}
	st := o.stateLocked()
	o.mu.Unlock()
	o.notify(st)

	res, err := o.client.FetchResult(ctx, h)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.phase = PhaseFailed
		o.err = err
	} else {
		o.phase = PhaseCompleted
		o.result = res
	}
	st = o.stateLocked()
	o.mu.Unlock()
	o.notify(st)
}

func (o *Orchestrator) stateLocked() State {
	return State{
		Phase:  o.phase,
		Handle: o.handle,
		Trace:  o.log.Snapshot(),
		Result: o.result,
		Err:    o.err,
	}
}

func (o *Orchestrator) notify(st State) {
	o.listenerMu.RLock()
	defer o.listenerMu.RUnlock()
	for _, l := range o.listeners {
		l(st)
	}
}
