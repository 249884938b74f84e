package flasher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ExecConfig configures ExecBackend.
type ExecConfig struct {
	StateDir string

	// Command is the privileged helper. The image path is appended to Args.
	Command string
	Args    []string

	BootID BootIDFunc
}

// ExecBackend drives an external flashing helper. The helper prints one
// status line per step on stdout:
//
//	FLASHING 42
//	SYNCING 97
//	FINISHED_NEEDS_REBOOT 100
//
// and exits non-zero on failure.
type ExecBackend struct {
	cfg ExecConfig
	*session

	wg sync.WaitGroup
}

var _ Backend = (*ExecBackend)(nil)

// NewExecBackend returns a backend running cfg.Command for each flash. It
// loads the session record left in cfg.StateDir by a previous process.
func NewExecBackend(cfg ExecConfig) (*ExecBackend, error) {
	if cfg.Command == "" {
		return nil, errors.New("flasher command is required")
	}

	s, err := newSession("flasher-exec", cfg.StateDir, cfg.BootID)
	if err != nil {
		return nil, err
	}

	return &ExecBackend{cfg: cfg, session: s}, nil
}

// Bind fails when the helper binary cannot be found.
func (b *ExecBackend) Bind(cb Callback) bool {
	if _, err := exec.LookPath(b.cfg.Command); err != nil {
		b.logger.Error(err, "Flasher helper not available", "command", b.cfg.Command)
		return false
	}
	b.session.bind(cb)
	return true
}

func (b *ExecBackend) Flash(_ context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot read image: %w", err)
	}

	if err := b.session.begin(path); err != nil {
		return err
	}

	args := append(append([]string{}, b.cfg.Args...), path)

	// A flash must never be interrupted, so the helper does not inherit any
	// caller context.
	cmd := exec.Command(b.cfg.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.session.abort()
		return fmt.Errorf("could not attach to flasher helper: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.session.abort()
		return fmt.Errorf("could not start flasher helper: %w", err)
	}

	b.logger.Info("Started flasher helper", "command", b.cfg.Command, "image", path, "pid", cmd.Process.Pid)

	b.wg.Add(1)
	go b.watch(cmd, stdout)
	return nil
}

func (b *ExecBackend) watch(cmd *exec.Cmd, stdout io.Reader) {
	defer b.wg.Done()

	finished := false
	err := scanStatusLines(stdout, func(line string) {
		phase, percent, err := ParseStatusLine(line)
		if err != nil {
			b.logger.Debug("Ignoring helper output", "line", truncate(line, 120))
			return
		}

		switch {
		case phase == PhaseFinishedNeedsReboot:
			finished = true
		case phase.Active():
			b.session.progress(phase, percent)
		}
	})
	if err != nil {
		b.logger.Error(err, "Reading helper output failed, discarding the rest")
	}
	// The helper blocks on a full pipe and Wait would never return.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		b.session.fail(fmt.Errorf("flasher helper failed: %w", err))
		return
	}

	if !finished {
		b.logger.Warn("Helper exited cleanly without reporting completion, assuming success")
	}
	b.session.succeed()
}

// maxStatusLine is the longest helper line that is parsed. Longer lines are
// skipped as a whole.
const maxStatusLine = 4096

// scanStatusLines calls fn for every line of r that fits in maxStatusLine.
func scanStatusLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReaderSize(r, maxStatusLine)
	for {
		line, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !isPrefix {
			fn(string(line))
			continue
		}
		for isPrefix {
			if _, isPrefix, err = br.ReadLine(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseStatusLine parses one "<PHASE> <percent>" helper line.
func ParseStatusLine(line string) (Phase, int, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("malformed status line %q", line)
	}

	phase, err := ParsePhase(fields[0])
	if err != nil {
		return 0, 0, err
	}

	percent, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed percentage in %q: %w", line, err)
	}

	return phase, clampPercent(percent), nil
}

// Wait blocks until the running helper, if any, has exited.
func (b *ExecBackend) Wait() {
	b.wg.Wait()
}
