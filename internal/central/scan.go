package central

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blecentral/internal/ble"
)

// scanControl tracks whether scanning is wanted and whether the radio is
// actually scanning. mu serializes start/stop toggles.
type scanControl struct {
	mu          sync.Mutex
	want        bool
	active      bool
	autoStarted bool
	limiter     *rate.Limiter
}

func timeDivisor(n int) time.Duration {
	if n <= 0 {
		return 1
	}
	return time.Duration(n)
}

// Scan starts or stops scanning. Starting while already scanning, or
// stopping while idle, is a no-op. Starts are paced: one beyond the
// budget fails with ErrScanThrottled.
func (e *Engine) Scan(on bool) error {
	if e.closed.Load() {
		return ble.ErrClosed
	}
	s := &e.scan
	s.mu.Lock()
	defer s.mu.Unlock()

	if !on {
		s.want = false
		if !s.active {
			return nil
		}
		s.active = false
		if err := e.radio.StopScan(); err != nil {
			return fmt.Errorf("ble: stop scan: %w", err)
		}
		e.log.Info("[BLE] scan stopped")
		return nil
	}

	if !e.powered.Load() {
		return ble.ErrAdapterUnavailable
	}
	if s.active {
		return nil
	}
	if !s.limiter.Allow() {
		return ble.ErrScanThrottled
	}
	if err := e.startScanLocked(); err != nil {
		return err
	}
	s.want = true
	return nil
}

// Scanning reports whether the radio is currently scanning.
func (e *Engine) Scanning() bool {
	e.scan.mu.Lock()
	defer e.scan.mu.Unlock()
	return e.scan.active
}

func (e *Engine) startScanLocked() error {
	if err := e.radio.StartScan(); err != nil {
		e.log.Error("[BLE] scan start failed", "error", err)
		return fmt.Errorf("ble: start scan: %w", err)
	}
	e.scan.active = true
	e.log.Info("[BLE] scanning")
	return nil
}

// pause records that the radio stopped scanning on its own. want is kept
// so the scan resumes on the next power-on.
func (s *scanControl) pause() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// resumeScan restarts a wanted scan after power-on. It waits for a start
// token instead of failing, so it runs on its own goroutine.
func (e *Engine) resumeScan() {
	s := &e.scan
	s.mu.Lock()
	if e.opts.AutoScan && !s.autoStarted {
		s.autoStarted = true
		s.want = true
	}
	want := s.want && !s.active
	s.mu.Unlock()
	if !want {
		return
	}

	go func() {
		if err := s.limiter.Wait(e.ctx); err != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.want || s.active || !e.powered.Load() || e.closed.Load() {
			return
		}
		if err := e.startScanLocked(); err != nil {
			e.log.Warn("[BLE] scan resume failed", "error", err)
		}
	}()
}
