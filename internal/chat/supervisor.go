package chat

import (
	"log"
	"sync"
	"time"
)

// Supervisor is the idle-timeout sweep: a single background ticker that scans
// all active sessions and cancels any that has had no chunk, attach or
// heartbeat beyond the threshold while zero connections are attached. A
// stream nobody is watching must not hold the single-writer lock forever.
type Supervisor struct {
	service   *Service
	interval  time.Duration
	threshold time.Duration
	logger    *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSupervisor creates a supervisor sweeping at interval and reaping
// sessions idle longer than threshold.
func NewSupervisor(service *Service, interval, threshold time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Supervisor{
		service:   service,
		interval:  interval,
		threshold: threshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetLogger installs an optional logger.
func (sv *Supervisor) SetLogger(logger *log.Logger) { sv.logger = logger }

// Start launches the background sweep loop.
func (sv *Supervisor) Start() {
	go func() {
		defer close(sv.done)
		ticker := time.NewTicker(sv.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sv.Sweep()
			case <-sv.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.stop) })
	<-sv.done
}

// Sweep runs one scan over the active sessions. Exported so tests can drive
// it without waiting on the ticker.
func (sv *Supervisor) Sweep() int {
	reaped := 0
	cutoff := time.Now().Add(-sv.threshold)
	for _, sess := range sv.service.Registry().Active() {
		// both conditions must hold at the same instant: no viewers AND
		// nothing has happened since the cutoff
		if sess.ConnCount() > 0 {
			continue
		}
		if sess.LastActivity().After(cutoff) {
			continue
		}
		if sv.service.cancelSession(sess, ReasonTimeout) {
			reaped++
			if sv.logger != nil {
				sv.logger.Printf("supervisor.reaped session=%s stream=%s idle>%s", sess.SessionKey(), sess.StreamID(), sv.threshold)
			}
		}
	}
	return reaped
}
