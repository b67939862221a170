// Package sampler implements the instruction-count-driven CPU sampler:
// on every count event it captures a folded stack trace of the current
// coroutine and reprograms the host's count hook with a randomized gap,
// per spec.md §4.8. Mutually exclusive with internal/cputracer per
// coroutine — a session picks one cpu mode or the other.
package sampler

import (
	"encoding/binary"
	"math"
	"strings"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/antsmallant/lprof/internal/guard"
	"github.com/antsmallant/lprof/internal/intmap"
	"github.com/antsmallant/lprof/internal/metrics"
	"github.com/antsmallant/lprof/internal/strmap"
	"github.com/antsmallant/lprof/internal/symtab"
	"github.com/antsmallant/lprof/vmhost"
)

// MaxDepth bounds how many frames one sample walks, per spec.md §9
// "bounded stacks".
const MaxDepth = 256

// Sampler installs as a vmhost.CountHooks on every hooked coroutine.
type Sampler struct {
	host   vmhost.Host
	syms   *symtab.Table
	guard  *guard.Guard
	ready  bool
	period uint64
	m      *metrics.Metrics

	rng uint64

	counts *strmap.Map
	// keyCache memoizes the joined folded-stack string for a given
	// Prototype-chain hash so the common case of resampling the same hot
	// call path does not rebuild and re-allocate the string every tick.
	keyCache *intmap.Map

	truncatedSamples uint64
}

// New creates a Sampler. seed drives the xorshift64 gap generator; a zero
// seed is replaced by one derived from the current time XORed with the
// sampler's own address. m may be nil; every metrics call tolerates it.
func New(host vmhost.Host, syms *symtab.Table, g *guard.Guard, period, seed uint64, m *metrics.Metrics) *Sampler {
	s := &Sampler{
		host:     host,
		syms:     syms,
		guard:    g,
		period:   period,
		rng:      seed,
		m:        m,
		counts:   strmap.New(64),
		keyCache: intmap.New(),
	}
	if s.rng == 0 {
		s.rng = uint64(time.Now().UnixNano()) ^ uint64(uintptr(unsafe.Pointer(s)))
		if s.rng == 0 {
			s.rng = 0x9e3779b97f4a7c15 // must not be all-zero: xorshift64 has no state to escape 0
		}
	}
	return s
}

// SetReady toggles whether the hook samples at all.
func (s *Sampler) SetReady(ready bool) { s.ready = ready }

// Counts returns the accumulated folded-stack counter map.
func (s *Sampler) Counts() *strmap.Map { return s.counts }

// TruncatedSamples reports how many samples hit MaxDepth before reaching
// the bottom of the stack (exposed via internal/metrics rather than
// silently dropped).
func (s *Sampler) TruncatedSamples() uint64 { return s.truncatedSamples }

// OnCount implements vmhost.CountHooks.
func (s *Sampler) OnCount(co vmhost.Coroutine) {
	if !s.ready {
		return
	}
	if !s.guard.TryEnter() {
		return
	}
	defer s.guard.Exit()

	s.m.ObserveHookEvent(metrics.HookCount)

	key := s.foldedKey(co)
	s.counts.Add(key, 1)

	gap := s.nextGap()
	s.host.InstallCountHook(co, gap, s)
}

// foldedKey walks co's live stack from innermost outward, up to MaxDepth
// frames, and returns the root-to-leaf folded-stack key for it. The key
// itself encodes the Prototype chain (not resolved names) per spec.md
// §4.8 — internal/export resolves names from internal/symtab once per
// unique key at dump time, rather than paying string-formatting cost on
// every sample tick.
func (s *Sampler) foldedKey(co vmhost.Coroutine) string {
	depth := s.host.StackDepth(co)
	n := depth
	truncated := false
	if n > MaxDepth {
		n = MaxDepth
		truncated = true
		s.truncatedSamples++
	}

	protos := make([]vmhost.Proto, n)
	for i := 0; i < n; i++ {
		f := s.host.CurrentFrame(co, i) // i=0 is innermost
		p := vmhost.Proto(f.FuncPointer())
		protos[i] = p
		s.syms.Resolve(p, f, co, s.host) // ensure interned while the frame is still live
	}

	hash := hashProtos(protos)
	if v, ok := s.keyCache.Get(hash); ok {
		return v.(string)
	}

	parts := make([]string, 0, n+1)
	if !truncated {
		parts = append(parts, "root")
	}
	for i := n - 1; i >= 0; i-- { // reverse: root-to-leaf order
		parts = append(parts, protos[i].String())
	}

	key := strings.Join(parts, ";")
	s.keyCache.Set(hash, key)
	return key
}

func hashProtos(protos []vmhost.Proto) uint64 {
	var buf [8]byte
	h := xxhash.New()
	for _, p := range protos {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// nextGap draws a gap from an exponential distribution with mean period
// via inverse-CDF sampling over a xorshift64 PRNG, per spec.md §4.8.
func (s *Sampler) nextGap() uint64 {
	draw := s.nextRand() >> 11 // top 53 bits
	u := float64(draw) / float64(uint64(1)<<53)
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	gap := uint64(-math.Log(u) * float64(s.period))
	if gap < 1 {
		gap = 1
	}
	return gap
}

func (s *Sampler) nextRand() uint64 {
	x := s.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.rng = x
	return x
}
