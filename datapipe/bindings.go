package datapipe

import (
	"log/slog"

	"github.com/sailfishos/statebus/eventloop"
)

// HandlerBinding couples one pipe with up to one filter, one input trigger
// and one output trigger contributed by a module.
type HandlerBinding struct {
	Pipe          *Pipe
	Filter        Filter
	InputTrigger  Trigger
	OutputTrigger Trigger

	filterHandle Handle
	inputHandle  Handle
	outputHandle Handle
	bound        bool
}

// BindingSet is the grouped form modules use to attach to pipes: a table of
// bindings installed and removed as a unit during module init and shutdown.
// After install, each output trigger receives one deferred execution with
// the pipe's current cached value so the module starts from known state.
type BindingSet struct {
	Module   string
	Bindings []*HandlerBinding

	loop      *eventloop.Loop
	log       *slog.Logger
	installed bool
}

// NewBindingSet prepares a binding table for the named module.
func NewBindingSet(module string, loop *eventloop.Loop, log *slog.Logger, bindings ...*HandlerBinding) *BindingSet {
	if log == nil {
		log = slog.Default()
	}
	return &BindingSet{
		Module:   module,
		Bindings: bindings,
		loop:     loop,
		log:      log.With("module", module),
	}
}

// Install attaches every binding and schedules the one-shot initial-value
// pass for output triggers on the next idle turn of the loop.
func (b *BindingSet) Install() {
	if b.installed {
		b.log.Debug("binding set already installed")
		return
	}
	b.installed = true

	for _, hb := range b.Bindings {
		if hb.Pipe == nil || hb.bound {
			continue
		}
		if hb.Filter != nil {
			h, err := hb.Pipe.AddFilter(hb.Filter)
			if err != nil {
				b.log.Error("filter binding rejected", "pipe", hb.Pipe.Name(), "error", err)
			} else {
				hb.filterHandle = h
			}
		}
		if hb.InputTrigger != nil {
			hb.inputHandle = hb.Pipe.AddInputTrigger(hb.InputTrigger)
		}
		if hb.OutputTrigger != nil {
			hb.outputHandle = hb.Pipe.AddOutputTrigger(hb.OutputTrigger)
		}
		hb.bound = true
	}

	if b.loop != nil {
		_ = b.loop.PostIdle(b.executeInitial)
	}
}

// Remove detaches every binding. Physical slot removal is deferred to the
// pipes' compaction passes, so Remove is safe from inside a callback.
func (b *BindingSet) Remove() {
	if !b.installed {
		b.log.Debug("binding set not installed")
		return
	}
	b.installed = false

	for _, hb := range b.Bindings {
		if hb.Pipe == nil || !hb.bound {
			continue
		}
		if hb.filterHandle != 0 {
			hb.Pipe.RemoveFilter(hb.filterHandle)
			hb.filterHandle = 0
		}
		if hb.inputHandle != 0 {
			hb.Pipe.RemoveInputTrigger(hb.inputHandle)
			hb.inputHandle = 0
		}
		if hb.outputHandle != 0 {
			hb.Pipe.RemoveOutputTrigger(hb.outputHandle)
			hb.outputHandle = 0
		}
		hb.bound = false
	}
}

// executeInitial feeds each output trigger the current cached value of its
// pipe. Skipped entirely if the set was removed before the idle task ran.
func (b *BindingSet) executeInitial() {
	if !b.installed {
		return
	}
	for _, hb := range b.Bindings {
		if hb.bound && hb.OutputTrigger != nil {
			hb.OutputTrigger(hb.Pipe.Read())
		}
	}
}
