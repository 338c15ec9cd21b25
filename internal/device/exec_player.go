package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/audio"
)

// DefaultPlaybackCommand plays raw s16le mono from stdin through ffplay.
func DefaultPlaybackCommand(sampleRate int) []string {
	return []string{
		"ffplay", "-hide_banner", "-loglevel", "error", "-nostats", "-nodisp",
		"-f", "s16le", "-ch_layout", "mono", "-ar", strconv.Itoa(sampleRate),
		"-i", "-",
	}
}

// ExecPlayer keeps one player subprocess alive and streams segments into its
// stdin in small paced slices, so a cancelled Play stops within one slice.
// Cancellation restarts the subprocess to drop audio it has already buffered.
type ExecPlayer struct {
	argv       []string
	sampleRate int
	slice      time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewExecPlayer(argv []string, sampleRate int, logger *zap.Logger) *ExecPlayer {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultOutputSampleRate
	}
	if len(argv) == 0 {
		argv = DefaultPlaybackCommand(sampleRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecPlayer{
		argv:       argv,
		sampleRate: sampleRate,
		slice:      100 * time.Millisecond,
		logger:     logger.With(zap.String("component", "player"), zap.String("command", argv[0])),
	}
}

func (p *ExecPlayer) ensureRunningLocked() error {
	if p.cmd != nil && p.cmd.Process != nil {
		return nil
	}
	if len(p.argv) == 0 || p.argv[0] == "" {
		return ErrEmptyCommand
	}
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	// ffplay can pick SDL's dummy backend on macOS; prefer CoreAudio unless overridden.
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start player: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		p.mu.Lock()
		if p.cmd == c {
			p.cmd = nil
			p.stdin = nil
		}
		p.mu.Unlock()
	}(cmd)
	p.logger.Debug("player started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *ExecPlayer) writer() (io.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureRunningLocked(); err != nil {
		return nil, err
	}
	return p.stdin, nil
}

func (p *ExecPlayer) Play(ctx context.Context, pcm []byte) error {
	w, err := p.writer()
	if err != nil {
		return err
	}
	step := audio.BytesFor(p.slice, p.sampleRate)
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if _, err := w.Write(pcm[off:end]); err != nil {
			p.Close()
			return fmt.Errorf("write player: %w", err)
		}
		if end == len(pcm) {
			break
		}
		// Stay slightly ahead of real time so the device never starves.
		pace := time.NewTimer(audio.Duration(end-off, p.sampleRate) * 9 / 10)
		select {
		case <-ctx.Done():
			pace.Stop()
			p.Close()
			return ctx.Err()
		case <-pace.C:
		}
	}
	return nil
}

// Close stops the subprocess. The next Play starts a fresh one.
func (p *ExecPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
	p.stdin = nil
	return nil
}
