package framepipe

import "sync"

// Pipeline bridges the decoder goroutine to a consumer goroutine (the UI
// thread in the source system). PushFrame stores the frame in an internal
// Buffer and, only if no dispatch is currently in flight, schedules one.
// A single dispatch may deliver more than one frame in sequence if pushes
// keep arriving while it runs, but at most one dispatch is ever scheduled
// at a time: backpressure is achieved by coalescing, never by queueing.
type Pipeline struct {
	mu      sync.Mutex
	buf     *Buffer
	handler func(Frame)
	running bool
	inFlight bool
	// dispatch schedules fn to run on the consumer's thread; by default it
	// runs fn on a new goroutine, but callers embedding this into a GUI
	// event loop should override it to post onto that loop instead.
	dispatch func(fn func())
}

// NewPipeline constructs a stopped Pipeline. The slot itself is always
// exactly one frame.
func NewPipeline() *Pipeline {
	return &Pipeline{
		buf:      &Buffer{},
		dispatch: func(fn func()) { go fn() },
	}
}

// SetDispatcher overrides how a consumer callback is scheduled. Tests use
// this to run dispatch synchronously and deterministically.
func (p *Pipeline) SetDispatcher(dispatch func(fn func())) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch = dispatch
}

// SetFrameHandler registers the consumer callback invoked with each
// delivered frame.
func (p *Pipeline) SetFrameHandler(cb func(Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = cb
}

// Start marks the pipeline running; PushFrame before Start is a no-op drop.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
}

// Stop marks the pipeline stopped and clears the pending slot so a
// subsequent Start (e.g. after an SPS-driven reconfiguration) begins clean.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.buf.Reset()
}

// PushFrame stores f in the single slot and ensures exactly one dispatch is
// (or remains) scheduled to drain it.
func (p *Pipeline) PushFrame(f Frame) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.buf.Push(f)
	needDispatch := !p.inFlight
	if needDispatch {
		p.inFlight = true
	}
	dispatch := p.dispatch
	p.mu.Unlock()

	if needDispatch {
		dispatch(p.drain)
	}
}

// drain delivers the pending frame, then re-checks the slot: if another
// push landed while the handler ran, it delivers that one too, looping
// until the slot is empty, at which point it clears inFlight.
func (p *Pipeline) drain() {
	for {
		frame, ok := p.buf.Consume()
		if ok {
			p.mu.Lock()
			handler := p.handler
			p.mu.Unlock()
			if handler != nil {
				handler(frame)
			}
		}

		p.mu.Lock()
		if p.buf.HasPending() {
			p.mu.Unlock()
			continue
		}
		p.inFlight = false
		p.mu.Unlock()
		return
	}
}

// Stats exposes the underlying Buffer's push/consume/skip accounting.
func (p *Pipeline) Stats() Stats {
	return p.buf.Stats()
}
