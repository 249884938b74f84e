package flasher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// syncThreshold is the percentage at which a session moves from writing to syncing.
const syncThreshold = 90

// SimConfig configures SimBackend.
type SimConfig struct {
	// StateDir holds the session record.
	StateDir string

	// StepInterval is the delay between two progress reports.
	StepInterval time.Duration

	// Step is the percentage added per report.
	Step int

	// BootID identifies the current boot. Defaults to KernelBootID.
	BootID BootIDFunc
}

// SimBackend simulates a flasher on development machines. It walks through
// FLASHING and SYNCING and finishes with FINISHED_NEEDS_REBOOT. An empty
// image makes the session fail.
type SimBackend struct {
	cfg SimConfig
	*session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Backend = (*SimBackend)(nil)

// NewSimBackend returns a simulated backend, loading any session record left in
// cfg.StateDir by a previous process.
func NewSimBackend(cfg SimConfig) (*SimBackend, error) {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = time.Second
	}
	if cfg.Step <= 0 {
		cfg.Step = 10
	}

	s, err := newSession("flasher-sim", cfg.StateDir, cfg.BootID)
	if err != nil {
		return nil, err
	}

	return &SimBackend{
		cfg:     cfg,
		session: s,
		stop:    make(chan struct{}),
	}, nil
}

func (b *SimBackend) Bind(cb Callback) bool {
	b.session.bind(cb)
	return true
}

func (b *SimBackend) Flash(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot read image: %w", err)
	}

	if err := b.session.begin(path); err != nil {
		return err
	}

	b.logger.Info("Writing image to inactive slot", "image", path, "size", info.Size())

	b.wg.Add(1)
	go b.run(info.Size())
	return nil
}

func (b *SimBackend) run(size int64) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.StepInterval)
	defer ticker.Stop()

	percent := 0
	for {
		select {
		case <-b.stop:
			// The process is going away; the record stays behind and the
			// next instance reports the session as lost.
			return
		case <-ticker.C:
		}

		if size == 0 {
			b.session.fail(errors.New("image is empty"))
			return
		}

		percent += b.cfg.Step
		if percent >= 100 {
			b.session.progress(PhaseSyncing, 100)
			b.session.succeed()
			b.logger.Info("Image written, reboot required")
			return
		}

		phase := PhaseFlashing
		if percent >= syncThreshold {
			phase = PhaseSyncing
		}
		b.session.progress(phase, percent)
	}
}

// Reboot simulates a device restart completing the pending update.
func (b *SimBackend) Reboot() error {
	return b.session.reboot()
}

// Status returns what the backend is doing right now.
func (b *SimBackend) Status() (running bool, phase Phase, percent int) {
	return b.session.snapshot()
}

// Close stops the simulation goroutine.
func (b *SimBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	return nil
}
