// Package wakelock blocks system suspend through the kernel wakeup-source
// interface while the daemon has work in flight.
//
// Locks are named writes to /sys/power/wake_lock, released by writing the
// same name to /sys/power/wake_unlock. On kernels or containers without the
// interface the manager runs disabled and every operation is a cheap no-op,
// so callers never branch on availability.
package wakelock

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sailfishos/statebus/metric"
)

// Default sysfs control files.
const (
	DefaultLockPath   = "/sys/power/wake_lock"
	DefaultUnlockPath = "/sys/power/wake_unlock"
)

// Manager owns the daemon's wakeup sources. Safe for concurrent use: locks
// are taken both on the event loop (dispatch scope) and from transport
// goroutines.
type Manager struct {
	lockPath   string
	unlockPath string
	enabled    bool

	mu   sync.Mutex
	held map[string]struct{}

	log     *slog.Logger
	metrics *metric.Metrics
}

// NewManager probes the control files and returns a manager, disabled when
// either file is not writable.
func NewManager(lockPath, unlockPath string, log *slog.Logger, m *metric.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "wakelock")

	enabled := writable(lockPath) && writable(unlockPath)
	if !enabled {
		log.Info("suspend control unavailable; wakelocks disabled",
			"lock_path", lockPath)
	}
	return &Manager{
		lockPath:   lockPath,
		unlockPath: unlockPath,
		enabled:    enabled,
		held:       make(map[string]struct{}),
		log:        log,
		metrics:    m,
	}
}

func writable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// Enabled reports whether the kernel interface is in use.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Obtain takes the named lock. A zero timeout holds the lock until Release;
// otherwise the kernel drops it after the timeout on its own. Obtaining a
// lock already held refreshes it.
func (m *Manager) Obtain(name string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := name
	if timeout > 0 {
		entry = fmt.Sprintf("%s %d", name, timeout.Nanoseconds())
	}
	if !m.write(m.lockPath, entry) {
		return
	}
	if _, exists := m.held[name]; !exists {
		m.held[name] = struct{}{}
		if m.metrics != nil {
			m.metrics.WakelocksHeld.Inc()
		}
	}
}

// Release drops the named lock. Releasing a lock that is not held is
// harmless.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.held[name]; !exists {
		return
	}
	delete(m.held, name)
	if m.metrics != nil {
		m.metrics.WakelocksHeld.Dec()
	}
	m.write(m.unlockPath, name)
}

// Scoped obtains the named lock and returns its idempotent release.
func (m *Manager) Scoped(name string) func() {
	m.Obtain(name, 0)
	var once sync.Once
	return func() {
		once.Do(func() { m.Release(name) })
	}
}

// Block implements the router's suspend-blocker seam. Each dispatch gets a
// uniquely named lock so overlapping scopes never release each other.
func (m *Manager) Block() func() {
	return m.Scoped("statebus_dispatch_" + uuid.NewString())
}

// Held returns the sorted names of currently held locks.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// write sends one entry to a control file. A write failure disables the
// manager; the kernel interface does not come and go at runtime.
func (m *Manager) write(path, entry string) bool {
	if !m.enabled {
		// Bookkeeping still runs so Held and the metrics stay meaningful
		// in tests and on kernels without the interface.
		return true
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err == nil {
		_, err = f.WriteString(entry + "\n")
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		m.log.Warn("suspend control write failed; disabling wakelocks",
			"path", path, "error", err)
		m.enabled = false
		return false
	}
	return true
}

// SuspendStats is the cumulative suspend accounting exposed over the bus.
type SuspendStats struct {
	// Uptime is time since boot including suspended time.
	Uptime time.Duration
	// Suspended is how much of the uptime was spent suspended.
	Suspended time.Duration
}

// Stats samples the boottime and monotonic clocks; their difference is the
// accumulated suspend time.
func (m *Manager) Stats() SuspendStats {
	var boot, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &boot); err != nil {
		m.log.Warn("boottime clock unavailable", "error", err)
		return SuspendStats{}
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		m.log.Warn("monotonic clock unavailable", "error", err)
		return SuspendStats{}
	}
	uptime := time.Duration(boot.Nano())
	suspended := uptime - time.Duration(mono.Nano())
	if suspended < 0 {
		suspended = 0
	}
	return SuspendStats{Uptime: uptime, Suspended: suspended}
}
