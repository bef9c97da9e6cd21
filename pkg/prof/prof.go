package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or the CPU profile
	// where only snapshots are allowed.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime profile.
type Profile string

// Profile names.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

// Config selects what a session records. Empty paths are skipped.
type Config struct {
	CPU       string
	Heap      string
	Goroutine string
	Block     string // also enables block sampling for the session
	Mutex     string // also enables mutex sampling for the session
}

// Enabled reports whether cfg records anything.
func (cfg Config) Enabled() bool {
	return cfg.CPU != "" || cfg.Heap != "" || cfg.Goroutine != "" ||
		cfg.Block != "" || cfg.Mutex != ""
}

var (
	cpuMutex  sync.Mutex
	cpuActive bool
)

// Session is a profiling run started by [Start].
type Session struct {
	cfg      Config
	cpuFile  *os.File
	mutexOld int
	once     sync.Once
	err      error
}

// Start begins a profiling session.
func Start(cfg Config) (*Session, error) {
	s := &Session{cfg: cfg}
	if cfg.CPU != "" {
		if err := s.startCPU(); err != nil {
			return nil, err
		}
	}
	if cfg.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if cfg.Mutex != "" {
		s.mutexOld = runtime.SetMutexProfileFraction(1)
	}
	return s, nil
}

func (s *Session) startCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	if cpuActive {
		return ErrCPUProfileActive
	}

	f, err := os.Create(s.cfg.CPU)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	s.cpuFile = f
	cpuActive = true
	return nil
}

// Stop ends CPU profiling and writes the snapshot profiles. Later calls
// return the first call's result.
func (s *Session) Stop() error {
	s.once.Do(func() { s.err = s.stop() })
	return s.err
}

func (s *Session) stop() error {
	var errs []error
	if s.cpuFile != nil {
		cpuMutex.Lock()
		pprof.StopCPUProfile()
		cpuActive = false
		cpuMutex.Unlock()
		errs = append(errs, s.cpuFile.Close())
	}

	if s.cfg.Heap != "" {
		runtime.GC()
	}
	for _, snap := range []struct {
		p    Profile
		path string
	}{
		{ProfileHeap, s.cfg.Heap},
		{ProfileGoroutine, s.cfg.Goroutine},
		{ProfileBlock, s.cfg.Block},
		{ProfileMutex, s.cfg.Mutex},
	} {
		if snap.path != "" {
			errs = append(errs, writeFile(snap.p, snap.path))
		}
	}

	if s.cfg.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.cfg.Mutex != "" {
		runtime.SetMutexProfileFraction(s.mutexOld)
	}
	return errors.Join(errs...)
}

func writeFile(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(p, f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%s profile: %w", p, err)
	}
	return f.Close()
}

// Write renders a snapshot profile to w. Debug level 0 is the binary
// format read by go tool pprof; 1 and above are text.
func Write(p Profile, w io.Writer, debug int) error {
	if p == ProfileCPU {
		return fmt.Errorf("%w: %s is not a snapshot", ErrInvalidProfile, p)
	}
	rp := pprof.Lookup(string(p))
	if rp == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, p)
	}
	return rp.WriteTo(w, debug)
}
