package datapipe

import (
	"log/slog"

	"github.com/sailfishos/statebus/errors"
	"github.com/sailfishos/statebus/eventloop"
	"github.com/sailfishos/statebus/metric"
)

// CachePolicy controls which stage of a write, if any, updates the cached
// value of a pipe.
type CachePolicy int

const (
	// CacheNothing leaves the cached value untouched by the write path;
	// pipes configured this way are pure event channels
	CacheNothing CachePolicy = iota
	// CacheInput stores the raw pre-filter input; the pipe intentionally
	// exposes the request independent of whatever filtering later vetoes it
	CacheInput
	// CacheOutput stores the post-filter output
	CacheOutput
)

// DefaultCachePolicy is the policy applied when a catalog entry does not
// declare one. Treated as configuration data rather than hard-coded
// behavior; initialized to CacheOutput, which matches majority usage.
var DefaultCachePolicy = CacheOutput

// String returns the string representation of CachePolicy
func (c CachePolicy) String() string {
	switch c {
	case CacheNothing:
		return "nothing"
	case CacheInput:
		return "input"
	case CacheOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Filter is a pure transform chained into a pipe's write path.
type Filter func(Value) Value

// Trigger is an observer callback invoked on a pipe write, before (input) or
// after (output) filtering.
type Trigger func(Value)

// Handle identifies an attached filter or trigger for later removal.
type Handle uint64

// WriteStatus distinguishes a write that ran its full callback chain from
// one cut short by a nested write.
type WriteStatus int

const (
	// WriteCompleted means every callback of the write ran
	WriteCompleted WriteStatus = iota
	// WriteAborted means a nested write to the same pipe invalidated the
	// generation token and the remaining callbacks were skipped
	WriteAborted
)

// WriteResult reports the outcome of a write so callers and tests can assert
// on re-entrancy instead of grepping logs.
type WriteResult struct {
	Status WriteStatus
	// Value is the output produced so far: the fully filtered output for a
	// completed write, the last value the write computed before aborting
	// otherwise.
	Value Value
}

// Aborted reports whether the write was cut short by re-entrancy.
func (r WriteResult) Aborted() bool {
	return r.Status == WriteAborted
}

// Config declares a pipe at catalog construction time.
type Config struct {
	Name      string
	Filtering bool        // whether filters may be attached
	Cache     CachePolicy // which stage updates the cached value
	Initial   Value       // cached value before the first write
}

type filterSlot struct {
	id    Handle
	fn    Filter
	inert bool
}

type triggerSlot struct {
	id    Handle
	fn    Trigger
	inert bool
}

// Pipe is a single named value cell. All methods must be called on the event
// loop; pipes are not safe to touch from other goroutines.
type Pipe struct {
	name      string
	filtering bool
	cache     CachePolicy

	cached Value

	// gen is bumped at the start of every write; a mismatch observed while
	// iterating callback lists means a nested write has occurred.
	gen uint64

	filters        []filterSlot
	inputTriggers  []triggerSlot
	outputTriggers []triggerSlot

	nextHandle    Handle
	compactQueued bool

	// depth counts writes in flight on this pipe (nesting included).
	// Removals requested while depth > 0 are queued and applied when the
	// outermost write returns, so a removal from inside a callback never
	// changes which callbacks of the in-flight write fire.
	depth          int
	pendingRemoval []Handle

	loop    *eventloop.Loop
	log     *slog.Logger
	metrics *metric.Metrics
}

// New creates a pipe. Outside of the catalog this is used only by tests and
// by peer tracking for ad hoc service-state cells.
func New(cfg Config, loop *eventloop.Loop, log *slog.Logger, m *metric.Metrics) *Pipe {
	if log == nil {
		log = slog.Default()
	}
	return &Pipe{
		name:      cfg.Name,
		filtering: cfg.Filtering,
		cache:     cfg.Cache,
		cached:    cfg.Initial,
		loop:      loop,
		log:       log.With("pipe", cfg.Name),
		metrics:   m,
	}
}

// Name returns the stable pipe identifier used in logs and introspection.
func (p *Pipe) Name() string {
	if p == nil {
		return "<nil>"
	}
	return p.name
}

// FilteringAllowed reports whether filters may be attached.
func (p *Pipe) FilteringAllowed() bool {
	return p != nil && p.filtering
}

// Cache returns the pipe's caching policy.
func (p *Pipe) Cache() CachePolicy {
	if p == nil {
		return CacheNothing
	}
	return p.cache
}

// Read returns the current cached value. It never blocks and never invokes
// callbacks.
func (p *Pipe) Read() Value {
	if p == nil {
		slog.Default().Error("read on nil pipe handle")
		return Nothing()
	}
	return p.cached
}

// Write feeds a value through the pipe: cache the input if so configured,
// run input triggers, fold through filters, cache the output if so
// configured, run output triggers. Before every callback the generation
// token is verified; a nested write invalidates it and aborts the remainder
// of this write with a warning.
func (p *Pipe) Write(in Value) WriteResult {
	if p == nil {
		slog.Default().Error("write on nil pipe handle")
		return WriteResult{Status: WriteCompleted, Value: Nothing()}
	}
	if p.loop != nil && !p.loop.OnLoop() {
		p.log.Warn("pipe write outside the event loop", "error", errors.ErrOffLoopCall)
	}

	p.gen++
	tok := p.gen

	if p.metrics != nil {
		p.metrics.PipeWrites.WithLabelValues(p.name).Inc()
	}

	p.depth++
	res := p.exec(in, tok)
	p.depth--
	if p.depth == 0 && len(p.pendingRemoval) > 0 {
		p.applyRemovals()
	}
	return res
}

func (p *Pipe) exec(in Value, tok uint64) WriteResult {
	if p.cache == CacheInput {
		p.cached = in
	}

	for i := 0; i < len(p.inputTriggers); i++ {
		s := p.inputTriggers[i]
		if s.inert {
			continue
		}
		if p.gen != tok {
			return p.abort(in)
		}
		s.fn(in)
	}

	out := in
	if p.filtering {
		for i := 0; i < len(p.filters); i++ {
			s := p.filters[i]
			if s.inert {
				continue
			}
			if p.gen != tok {
				return p.abort(out)
			}
			out = s.fn(out)
		}
	}

	if p.gen != tok {
		return p.abort(out)
	}

	if p.cache == CacheOutput {
		p.cached = out
	}

	for i := 0; i < len(p.outputTriggers); i++ {
		s := p.outputTriggers[i]
		if s.inert {
			continue
		}
		if p.gen != tok {
			return p.abort(out)
		}
		s.fn(out)
	}

	return WriteResult{Status: WriteCompleted, Value: out}
}

func (p *Pipe) abort(last Value) WriteResult {
	p.log.Warn("re-entrant write detected; aborting remaining callbacks",
		"error", errors.ErrReentrantWrite)
	if p.metrics != nil {
		p.metrics.PipeAborts.WithLabelValues(p.name).Inc()
	}
	return WriteResult{Status: WriteAborted, Value: last}
}

// AddFilter attaches a filter to the end of the filter chain. Fails without
// side effects on pipes that do not allow filtering.
func (p *Pipe) AddFilter(fn Filter) (Handle, error) {
	if p == nil || fn == nil {
		return 0, errors.WrapRegistry(errors.ErrNilPipe, "Pipe", "AddFilter", "argument check")
	}
	if !p.filtering {
		p.log.Error("filter attach rejected", "error", errors.ErrFilteringDenied)
		return 0, errors.WrapRegistry(errors.ErrFilteringDenied, "Pipe", "AddFilter", "policy check")
	}
	h := p.handle()
	p.filters = append(p.filters, filterSlot{id: h, fn: fn})
	return h, nil
}

// RemoveFilter marks the filter slot inert; the slot is physically removed
// by a deferred compaction pass, never while a write may be iterating. A
// removal issued from inside a callback takes effect only after the
// in-flight write has finished.
func (p *Pipe) RemoveFilter(h Handle) {
	if p == nil {
		return
	}
	for i := range p.filters {
		if p.filters[i].id == h && !p.filters[i].inert {
			p.retire(h)
			return
		}
	}
	p.log.Debug("remove of unregistered filter ignored", "handle", h)
}

// AddInputTrigger attaches an observer of the raw pre-filter value. Trigger
// attachment is permitted regardless of the filtering policy.
func (p *Pipe) AddInputTrigger(fn Trigger) Handle {
	if p == nil || fn == nil {
		return 0
	}
	h := p.handle()
	p.inputTriggers = append(p.inputTriggers, triggerSlot{id: h, fn: fn})
	return h
}

// RemoveInputTrigger marks the trigger slot inert for deferred compaction.
func (p *Pipe) RemoveInputTrigger(h Handle) {
	if p == nil {
		return
	}
	for i := range p.inputTriggers {
		if p.inputTriggers[i].id == h && !p.inputTriggers[i].inert {
			p.retire(h)
			return
		}
	}
	p.log.Debug("remove of unregistered input trigger ignored", "handle", h)
}

// AddOutputTrigger attaches an observer of the post-filter value.
func (p *Pipe) AddOutputTrigger(fn Trigger) Handle {
	if p == nil || fn == nil {
		return 0
	}
	h := p.handle()
	p.outputTriggers = append(p.outputTriggers, triggerSlot{id: h, fn: fn})
	return h
}

// RemoveOutputTrigger marks the trigger slot inert for deferred compaction.
func (p *Pipe) RemoveOutputTrigger(h Handle) {
	if p == nil {
		return
	}
	for i := range p.outputTriggers {
		if p.outputTriggers[i].id == h && !p.outputTriggers[i].inert {
			p.retire(h)
			return
		}
	}
	p.log.Debug("remove of unregistered output trigger ignored", "handle", h)
}

// retire queues or applies the removal of a live slot depending on whether a
// write is in flight.
func (p *Pipe) retire(h Handle) {
	if p.depth > 0 {
		for _, pending := range p.pendingRemoval {
			if pending == h {
				return
			}
		}
		p.pendingRemoval = append(p.pendingRemoval, h)
		return
	}
	p.markInert(h)
	p.scheduleCompaction()
}

// applyRemovals marks every pending handle inert; runs when the outermost
// write has returned.
func (p *Pipe) applyRemovals() {
	for _, h := range p.pendingRemoval {
		p.markInert(h)
	}
	p.pendingRemoval = p.pendingRemoval[:0]
	p.scheduleCompaction()
}

func (p *Pipe) markInert(h Handle) {
	for i := range p.filters {
		if p.filters[i].id == h {
			p.filters[i].inert = true
			return
		}
	}
	for i := range p.inputTriggers {
		if p.inputTriggers[i].id == h {
			p.inputTriggers[i].inert = true
			return
		}
	}
	for i := range p.outputTriggers {
		if p.outputTriggers[i].id == h {
			p.outputTriggers[i].inert = true
			return
		}
	}
}

func (p *Pipe) handle() Handle {
	p.nextHandle++
	return p.nextHandle
}

func (p *Pipe) scheduleCompaction() {
	if p.compactQueued || p.loop == nil {
		return
	}
	p.compactQueued = true
	if err := p.loop.PostIdle(p.compact); err != nil {
		// Loop is shutting down; slots stay inert, which is harmless.
		p.compactQueued = false
	}
}

// compact physically removes inert slots. Runs as an idle task, outside of
// any write.
func (p *Pipe) compact() {
	p.compactQueued = false

	keepFilters := p.filters[:0]
	for _, s := range p.filters {
		if !s.inert {
			keepFilters = append(keepFilters, s)
		}
	}
	p.filters = keepFilters

	keepIn := p.inputTriggers[:0]
	for _, s := range p.inputTriggers {
		if !s.inert {
			keepIn = append(keepIn, s)
		}
	}
	p.inputTriggers = keepIn

	keepOut := p.outputTriggers[:0]
	for _, s := range p.outputTriggers {
		if !s.inert {
			keepOut = append(keepOut, s)
		}
	}
	p.outputTriggers = keepOut
}
