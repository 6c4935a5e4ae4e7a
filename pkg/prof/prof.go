//go:build profile

package prof

import (
	"errors"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether profiling support is compiled in.
const Enabled = true

// ErrActive is returned by [Start] while another session is running.
var ErrActive = errors.New("profile session already active")

var (
	mu     sync.Mutex
	active bool
)

// Session is one profiling window.
type Session struct {
	cpu      *os.File
	heapPath string
	stopped  bool
}

// Start begins a session. An empty cpuPath skips CPU sampling; an empty
// heapPath skips the heap snapshot taken by [Session.Stop].
func Start(cpuPath, heapPath string) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()

	if active {
		return nil, ErrActive
	}

	s := &Session{heapPath: heapPath}
	if cpuPath != "" {
		f, err := os.Create(cpuPath)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		s.cpu = f
	}

	active = true
	return s, nil
}

// Stop ends CPU sampling and writes the heap snapshot. Calling Stop more
// than once is harmless.
func (s *Session) Stop() error {
	mu.Lock()
	defer mu.Unlock()

	if s == nil || s.stopped {
		return nil
	}
	s.stopped = true
	active = false

	var err error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		err = s.cpu.Close()
	}

	if s.heapPath != "" {
		if herr := writeHeap(s.heapPath); err == nil {
			err = herr
		}
	}
	return err
}

// Active reports whether a session is running.
func Active() bool {
	mu.Lock()
	defer mu.Unlock()
	return active
}

func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
