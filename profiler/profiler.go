// Package profiler is the public embedding surface for lprof: one
// profiling session per vmhost.Host, started with Start and read back
// with Dump. It is a thin adapter over internal/session — defaulting
// and validating Options, translating lifecycle errors into the
// wrapped form callers expect, and keeping the one registry of active
// sessions keyed by a uuid.UUID minted per Host.
package profiler

import (
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/internal/metrics"
	"github.com/antsmallant/lprof/internal/session"
	"github.com/antsmallant/lprof/vmhost"
)

// Options configures a profiling run, defaulted via struct tags the
// way the rest of the domain stack's config types are (see
// github.com/creasty/defaults).
type Options struct {
	CPU          string `default:"profile"`
	Mem          string `default:"off"`
	SamplePeriod uint64 `default:"10000"`
	Seed         uint64

	// Metrics, when set, publishes the session's self-overhead and
	// truncation counters to this Prometheus registry.
	Metrics *metrics.Metrics

	// Logger receives lifecycle events (start, stop, hook-install
	// failures). Defaults to a no-op logger when nil.
	Logger *zap.SugaredLogger
}

// Validate rejects unrecognized enum strings before any session
// mutation happens, per spec.md §7's configuration-error category.
func (o Options) Validate() error {
	switch session.CPUMode(o.CPU) {
	case session.CPUOff, session.CPUProfile, session.CPUSample:
	default:
		return errors.Errorf("profiler: unknown cpu mode %q", o.CPU)
	}
	switch session.MemMode(o.Mem) {
	case session.MemOff, session.MemProfile:
	default:
		return errors.Errorf("profiler: unknown mem mode %q", o.Mem)
	}
	if o.SamplePeriod == 0 {
		return errors.New("profiler: sample_period must be positive")
	}
	return nil
}

func (o Options) toSessionOptions() session.Options {
	return session.Options{
		CPU:          session.CPUMode(o.CPU),
		Mem:          session.MemMode(o.Mem),
		SamplePeriod: o.SamplePeriod,
		Seed:         o.Seed,
		Metrics:      o.Metrics,
		Logger:       o.Logger,
	}
}

var (
	registryMu sync.Mutex
	registry   = map[uuid.UUID]*session.Session{}
	byHost     = map[vmhost.Host]uuid.UUID{}
)

// Start defaults and validates opts, then arms a new session against
// host. Fails if host already has an active session.
func Start(host vmhost.Host, opts Options) error {
	if err := defaults.Set(&opts); err != nil {
		return errors.Wrap(err, "profiler: apply defaults")
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	registryMu.Lock()
	if _, exists := byHost[host]; exists {
		registryMu.Unlock()
		return errors.New("profiler: already active for this host")
	}
	registryMu.Unlock()

	s := session.New(host)
	if err := s.Start(opts.toSessionOptions()); err != nil {
		return errors.Wrap(err, "profiler: start")
	}

	id := uuid.New()
	registryMu.Lock()
	registry[id] = s
	byHost[host] = id
	registryMu.Unlock()

	return nil
}

// Stop ends the session for host.
func Stop(host vmhost.Host) error {
	s, err := lookup(host)
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return errors.Wrap(err, "profiler: stop")
	}

	registryMu.Lock()
	if id, ok := byHost[host]; ok {
		delete(registry, id)
		delete(byHost, host)
	}
	registryMu.Unlock()
	return nil
}

// Mark installs hooks on a single coroutine spawned after Start.
func Mark(host vmhost.Host, co vmhost.Coroutine) error {
	s, err := lookup(host)
	if err != nil {
		return err
	}
	return errors.Wrap(s.Mark(co), "profiler: mark")
}

// Unmark removes hooks from a single coroutine.
func Unmark(host vmhost.Host, co vmhost.Coroutine) error {
	s, err := lookup(host)
	if err != nil {
		return err
	}
	return errors.Wrap(s.Unmark(co), "profiler: unmark")
}

// MarkAll installs hooks on every live coroutine.
func MarkAll(host vmhost.Host) error {
	s, err := lookup(host)
	if err != nil {
		return err
	}
	return errors.Wrap(s.MarkAll(), "profiler: mark_all")
}

// UnmarkAll removes hooks from every live coroutine.
func UnmarkAll(host vmhost.Host) error {
	s, err := lookup(host)
	if err != nil {
		return err
	}
	return errors.Wrap(s.UnmarkAll(), "profiler: unmark_all")
}

// Dump returns the session's elapsed duration and rendered payload. In
// CPU sample mode the payload is folded-stack text (string); otherwise
// it is an *export.Node tree.
func Dump(host vmhost.Host, opts export.Options) (time.Duration, any, error) {
	s, err := lookup(host)
	if err != nil {
		return 0, nil, err
	}
	ns, payload, err := s.Dump(opts)
	if err != nil {
		return 0, nil, errors.Wrap(err, "profiler: dump")
	}
	return time.Duration(ns), payload, nil
}

func lookup(host vmhost.Host) (*session.Session, error) {
	registryMu.Lock()
	id, ok := byHost[host]
	var s *session.Session
	if ok {
		s = registry[id]
	}
	registryMu.Unlock()
	if !ok {
		return nil, errors.New("profiler: not started")
	}
	return s, nil
}

// Sleep blocks the calling goroutine for d, POSIX-nanosleep semantics
// minus EINTR (Go's scheduler never delivers that signal to user code).
func Sleep(d time.Duration) { time.Sleep(d) }

// epoch anchors NanoSec's readings. time.Since keeps using the
// monotonic reading carried inside the time.Time value, so the result
// tracks actual elapsed wall-clock seconds without being vulnerable to
// an NTP step or a clock reset the way time.Now().UnixNano() would be.
var epoch = time.Now()

// NanoSec returns a monotonic nanosecond timestamp suitable for
// interval arithmetic, never the wall clock.
func NanoSec() int64 { return time.Since(epoch).Nanoseconds() }
