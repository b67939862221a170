// Package session implements ProfilerSession: the top-level state
// machine that owns the call-path tree, the hook wiring into a
// vmhost.Host, and the mode flags a profiling run is configured with.
// It is the one place that sequences full-GC bracketing, hook
// install/remove across coroutines, and the shared reentrancy guard
// that internal/cputracer, internal/memattr, and internal/sampler all
// defer to.
package session

import (
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/internal/cputracer"
	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/internal/guard"
	"github.com/antsmallant/lprof/internal/memattr"
	"github.com/antsmallant/lprof/internal/metrics"
	"github.com/antsmallant/lprof/internal/sampler"
	"github.com/antsmallant/lprof/internal/symtab"
	"github.com/antsmallant/lprof/vmhost"
)

// State is one of the session lifecycle states.
type State int

const (
	Disabled State = iota
	Arming
	Active
	Draining
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Arming:
		return "arming"
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// CPUMode selects the call/return tracer, the count-hook sampler, or
// neither.
type CPUMode string

const (
	CPUOff     CPUMode = "off"
	CPUProfile CPUMode = "profile"
	CPUSample  CPUMode = "sample"
)

// MemMode toggles the allocator hook.
type MemMode string

const (
	MemOff     MemMode = "off"
	MemProfile MemMode = "profile"
)

// Options configures a session's start. Defaulting and validation live
// in the profiler package, which is the public-facing surface; Session
// itself trusts its caller to have already validated these fields.
type Options struct {
	CPU          CPUMode
	Mem          MemMode
	SamplePeriod uint64
	Seed         uint64
	Metrics      *metrics.Metrics
	Logger       *zap.SugaredLogger
}

// Session is one profiler run against a single vmhost.Host. Not safe
// for concurrent use — it assumes the single-threaded cooperative model
// its owning Host presents (see vmhost's package doc).
type Session struct {
	host vmhost.Host
	opts Options
	log  *zap.SugaredLogger

	state State
	guard guard.Guard

	tree *calltree.Tree
	syms *symtab.Table

	tracer *cputracer.Tracer
	attr   *memattr.Attributor
	samp   *sampler.Sampler

	startTimeNs int64
}

// New constructs an un-started session bound to host. Call Start to
// arm it.
func New(host vmhost.Host) *Session {
	return &Session{host: host, state: Disabled}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Start arms the session: full-GCs the host, installs the configured
// hooks across every live coroutine with GC stopped for the duration,
// and transitions Disabled -> Arming -> Active.
func (s *Session) Start(opts Options) error {
	if s.state != Disabled {
		return errors.New("session: already active")
	}

	s.state = Arming
	s.opts = opts
	s.tree = calltree.NewTree()
	s.syms = symtab.New()
	s.guard = guard.Guard{}

	s.log = opts.Logger
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.With("cpu", opts.CPU, "mem", opts.Mem)

	s.host.FullGC()
	s.host.StopGC()

	switch opts.CPU {
	case CPUProfile:
		s.tracer = cputracer.New(s.host, s.tree, s.syms, &s.guard, true, opts.Metrics)
	case CPUSample:
		s.samp = sampler.New(s.host, s.syms, &s.guard, opts.SamplePeriod, opts.Seed, opts.Metrics)
	case CPUOff:
		if opts.Mem == MemProfile {
			// The call/return hook still needs to run so memattr has a
			// current leaf to attribute to, just without CPU timing.
			s.tracer = cputracer.New(s.host, s.tree, s.syms, &s.guard, false, opts.Metrics)
		}
	}

	if opts.Mem == MemProfile {
		if s.tracer == nil {
			s.host.ResumeGC()
			s.state = Disabled
			return errors.New("session: mem profiling requires a current-leaf tracker (internal defect)")
		}
		s.attr = memattr.New(s.tracer, &s.guard, opts.Metrics)
	}

	for _, co := range s.host.Coroutines() {
		if err := s.installOn(co); err != nil {
			s.host.ResumeGC()
			s.state = Disabled
			s.log.Errorw("failed to install hooks on live coroutine", "err", err)
			return errors.Wrap(err, "session: install hooks")
		}
	}

	if s.attr != nil {
		if err := s.host.InstallAllocHook(s.attr); err != nil {
			s.host.ResumeGC()
			s.state = Disabled
			s.log.Errorw("failed to install alloc hook", "err", err)
			return errors.Wrap(err, "session: install alloc hook")
		}
	}

	s.host.ResumeGC()

	s.startTimeNs = s.host.Now()
	s.setReady(true)
	s.state = Active

	if opts.Metrics != nil {
		opts.Metrics.SessionsStarted.Inc()
	}

	s.log.Infow("profiler session started", "coroutines", len(s.host.Coroutines()))
	return nil
}

// Mark installs hooks on a single coroutine spawned after Start.
func (s *Session) Mark(co vmhost.Coroutine) error {
	if s.state != Active {
		return errors.New("session: not started")
	}
	return s.installOn(co)
}

// Unmark removes hooks from a single coroutine.
func (s *Session) Unmark(co vmhost.Coroutine) error {
	if s.state != Active {
		return errors.New("session: not started")
	}
	return s.removeFrom(co)
}

// MarkAll installs hooks on every live coroutine.
func (s *Session) MarkAll() error {
	if s.state != Active {
		return errors.New("session: not started")
	}
	for _, co := range s.host.Coroutines() {
		if err := s.installOn(co); err != nil {
			return err
		}
	}
	return nil
}

// UnmarkAll removes hooks from every live coroutine.
func (s *Session) UnmarkAll() error {
	if s.state != Active {
		return errors.New("session: not started")
	}
	for _, co := range s.host.Coroutines() {
		if err := s.removeFrom(co); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) installOn(co vmhost.Coroutine) error {
	switch {
	case s.tracer != nil:
		if err := s.host.InstallCallHooks(co, s.tracer); err != nil {
			return err
		}
	case s.samp != nil:
		if err := s.host.InstallCountHook(co, s.opts.SamplePeriod, s.samp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) removeFrom(co vmhost.Coroutine) error {
	switch {
	case s.tracer != nil:
		return s.host.RemoveCallHooks(co)
	case s.samp != nil:
		return s.host.RemoveCountHook(co)
	}
	return nil
}

// Dump full-GCs and stops GC for the duration of export, then returns
// the elapsed session duration (ns) and rendered payload. In CPUSample
// mode payload is folded-stack text; otherwise it is a *export.Node
// tree.
func (s *Session) Dump(opts export.Options) (int64, any, error) {
	if s.state != Active {
		return 0, nil, errors.New("session: not started")
	}

	s.host.FullGC()
	s.host.StopGC()
	defer s.host.ResumeGC()

	durationNs := s.host.Now() - s.startTimeNs

	if s.samp != nil {
		return durationNs, export.Samples(s.samp.Counts(), s.syms), nil
	}

	var profileCostNs uint64
	if s.tracer != nil {
		profileCostNs = s.tracer.ProfileCostNs()
	}
	return durationNs, export.Tree(s.tree, profileCostNs, opts), nil
}

// Stop swaps the allocator hook back, removes hooks on every
// coroutine, drops the session's owned structures, and returns to
// Disabled. Idempotent by rejection: calling Stop on a Disabled session
// reports "not started" rather than panicking.
func (s *Session) Stop() error {
	if s.state == Disabled {
		return errors.New("session: not started")
	}

	s.state = Draining
	s.setReady(false)

	for _, co := range s.host.Coroutines() {
		_ = s.removeFrom(co)
	}
	if s.attr != nil {
		_ = s.host.RemoveAllocHook()
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionsStopped.Inc()
		if s.tracer != nil {
			s.opts.Metrics.SetProfileCostNs(s.tracer.ProfileCostNs())
		}
		if s.samp != nil {
			s.opts.Metrics.AddTruncatedSamples(s.samp.TruncatedSamples())
		}
	}

	s.tracer = nil
	s.attr = nil
	s.samp = nil
	s.tree = nil
	s.syms = nil

	s.state = Disabled
	s.log.Infow("profiler session stopped")
	return nil
}

func (s *Session) setReady(ready bool) {
	if s.tracer != nil {
		s.tracer.SetReady(ready)
	}
	if s.attr != nil {
		s.attr.SetReady(ready)
	}
	if s.samp != nil {
		s.samp.SetReady(ready)
	}
}
