package device

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/audio"
)

// DefaultCaptureCommand records raw s16le mono from the default ALSA device.
func DefaultCaptureCommand(sampleRate int) []string {
	return []string{"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(sampleRate)}
}

// ExecCapture reads raw PCM from a recorder subprocess's stdout.
type ExecCapture struct {
	argv       []string
	sampleRate int
	chunk      time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	readers sync.WaitGroup
}

func NewExecCapture(argv []string, sampleRate int, chunk time.Duration, logger *zap.Logger) *ExecCapture {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultInputSampleRate
	}
	if len(argv) == 0 {
		argv = DefaultCaptureCommand(sampleRate)
	}
	if chunk <= 0 {
		chunk = 40 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecCapture{
		argv:       argv,
		sampleRate: sampleRate,
		chunk:      chunk,
		logger:     logger.With(zap.String("component", "capture"), zap.String("command", argv[0])),
	}
}

func (c *ExecCapture) SampleRate() int { return c.sampleRate }

func (c *ExecCapture) StartCapture(onBuffer func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return ErrAlreadyCapturing
	}
	if len(c.argv) == 0 || c.argv[0] == "" {
		return ErrEmptyCommand
	}

	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	c.cmd = cmd
	c.stdout = stdout
	c.stderr = &stderr

	chunkBytes := audio.BytesFor(c.chunk, c.sampleRate)
	c.readers.Add(1)
	go func() {
		defer c.readers.Done()
		c.readLoop(bufio.NewReaderSize(stdout, chunkBytes*4), chunkBytes, onBuffer)
	}()
	c.logger.Info("capture started", zap.Int("sample_rate", c.sampleRate), zap.Int("chunk_bytes", chunkBytes))
	return nil
}

func (c *ExecCapture) readLoop(r io.Reader, chunkBytes int, onBuffer func([]float32)) {
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			onBuffer(audio.Decode(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("capture read ended", zap.Error(err))
			}
			return
		}
	}
}

// StopCapture kills the recorder and waits for the reader to drain. It is
// safe to call when nothing is running.
func (c *ExecCapture) StopCapture() error {
	c.mu.Lock()
	cmd := c.cmd
	stderr := c.stderr
	c.cmd = nil
	c.stdout = nil
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.readers.Wait()
	_ = cmd.Wait()
	if msg := stderr.String(); msg != "" {
		c.logger.Debug("capture stderr", zap.String("stderr", msg))
	}
	c.logger.Info("capture stopped")
	return nil
}
