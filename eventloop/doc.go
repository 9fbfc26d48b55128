// Package eventloop provides the single-threaded cooperative scheduler that
// every stateful subsystem of the daemon runs on.
//
// One goroutine owns the loop. Pipe writes, message dispatch and peer state
// transitions all execute as tasks on that goroutine, so their list and queue
// mutations never need exclusion locks; they only have to be careful about
// re-entrancy on the same thread.
//
// Three task classes exist, drained in priority order:
//
//   - Post: ordinary tasks, FIFO
//   - PostDelayed: timer tasks, fired when their deadline passes
//   - PostIdle: deferred tasks, run only when no ordinary or due timer task
//     is pending (used for callback-list compaction and subscriber catch-up
//     notifications)
//
// Inject is the marshaling point for the few collaborators that run on worker
// goroutines outside the loop (hardware pollers, file watchers): any value
// produced there must be re-injected as a task and applied on the loop.
package eventloop
