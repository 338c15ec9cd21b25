// Package playback smooths bursty inbound audio into larger segments for the
// output device. Fragments are accumulated for a short window and handed to a
// single player goroutine, which plays segments back to back while the next
// one fills.
package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/livewire/internal/observability"
)

const (
	DefaultWindow          = 300 * time.Millisecond
	DefaultMaxSegmentBytes = 48000
	DefaultQueueDepth      = 16
	inboxDepth             = 512
	dropWarnInterval       = time.Second
)

// Player renders one PCM segment. Play should return when the segment has
// been handed off or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

type Config struct {
	Window          time.Duration
	MaxSegmentBytes int
	QueueDepth      int
}

type Stats struct {
	Segments     int64 `json:"segments"`
	BytesPlayed  int64 `json:"bytes_played"`
	Dropped      int64 `json:"dropped_fragments"`
	PlayFailures int64 `json:"play_failures"`
}

type fragment struct {
	gen uint64
	pcm []byte
}

// Buffer is safe for concurrent Append, Flush and Clear. The accumulator
// itself is only touched by the Run goroutine.
type Buffer struct {
	player  Player
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics

	inbox    chan fragment
	flushReq chan struct{}
	segments chan fragment

	// gen advances on Clear. Fragments and segments from an older generation
	// are discarded.
	gen atomic.Uint64

	playMu     sync.Mutex
	playCancel context.CancelFunc

	segmentsPlayed atomic.Int64
	bytesPlayed    atomic.Int64
	dropped        atomic.Int64
	failures       atomic.Int64
	lastDropWarn   atomic.Int64
}

func New(player Player, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Buffer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		player:   player,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "playback")),
		metrics:  metrics,
		inbox:    make(chan fragment, inboxDepth),
		flushReq: make(chan struct{}, 1),
		segments: make(chan fragment, cfg.QueueDepth),
	}
}

// Append copies p onto the accumulator. If the playback task has fallen far
// behind the fragment is dropped rather than blocking the caller.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	f := fragment{gen: b.gen.Load(), pcm: append([]byte(nil), p...)}
	select {
	case b.inbox <- f:
	default:
		total := b.dropped.Add(1)
		b.metrics.DroppedFrame("playback_overflow")
		b.warnDropped(total, len(p))
	}
}

// warnDropped logs overflow at most once per dropWarnInterval so a long burst
// leaves one line per second instead of one per fragment.
func (b *Buffer) warnDropped(total int64, size int) {
	now := time.Now().UnixNano()
	last := b.lastDropWarn.Load()
	if last != 0 && now-last < int64(dropWarnInterval) {
		return
	}
	if !b.lastDropWarn.CompareAndSwap(last, now) {
		return
	}
	b.logger.Warn("playback backlog full; dropping inbound audio",
		zap.Int("fragment_bytes", size),
		zap.Int64("dropped_total", total),
	)
}

// Flush asks the playback task to emit whatever has accumulated.
func (b *Buffer) Flush() {
	select {
	case b.flushReq <- struct{}{}:
	default:
	}
}

// Clear drops accumulated and queued audio and cuts off the segment that is
// currently playing.
func (b *Buffer) Clear() {
	b.gen.Add(1)
	b.playMu.Lock()
	if b.playCancel != nil {
		b.playCancel()
	}
	b.playMu.Unlock()
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Segments:     b.segmentsPlayed.Load(),
		BytesPlayed:  b.bytesPlayed.Load(),
		Dropped:      b.dropped.Load(),
		PlayFailures: b.failures.Load(),
	}
}

// Run drives accumulation and playback until ctx is done.
func (b *Buffer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.accumulate(gctx) })
	g.Go(func() error { return b.play(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Buffer) accumulate(ctx context.Context) error {
	var (
		acc    []byte
		accGen = b.gen.Load()
		timer  *time.Timer
		timerC <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	defer disarm()

	emit := func(seg []byte) error {
		select {
		case b.segments <- fragment{gen: accGen, pcm: seg}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	flush := func() error {
		disarm()
		if len(acc) == 0 {
			return nil
		}
		seg := acc
		acc = nil
		if accGen != b.gen.Load() {
			return nil
		}
		return emit(seg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-b.inbox:
			if cur := b.gen.Load(); cur != accGen {
				acc = nil
				disarm()
				accGen = cur
			}
			if f.gen != accGen {
				continue
			}
			if len(acc) == 0 {
				if timer == nil {
					timer = time.NewTimer(b.cfg.Window)
				} else {
					timer.Reset(b.cfg.Window)
				}
				timerC = timer.C
			}
			acc = append(acc, f.pcm...)
			for len(acc) >= b.cfg.MaxSegmentBytes {
				seg := acc[:b.cfg.MaxSegmentBytes:b.cfg.MaxSegmentBytes]
				acc = append([]byte(nil), acc[b.cfg.MaxSegmentBytes:]...)
				if err := emit(seg); err != nil {
					return err
				}
			}
			if len(acc) == 0 {
				disarm()
			}

		case <-timerC:
			timerC = nil
			if err := flush(); err != nil {
				return err
			}

		case <-b.flushReq:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (b *Buffer) play(ctx context.Context) error {
	for {
		var seg fragment
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg = <-b.segments:
		}
		if seg.gen != b.gen.Load() {
			continue
		}

		playCtx, cancel := context.WithCancel(ctx)
		b.playMu.Lock()
		b.playCancel = cancel
		b.playMu.Unlock()

		err := b.player.Play(playCtx, seg.pcm)

		b.playMu.Lock()
		b.playCancel = nil
		b.playMu.Unlock()
		cancel()

		switch {
		case err == nil:
			b.segmentsPlayed.Add(1)
			b.bytesPlayed.Add(int64(len(seg.pcm)))
			b.metrics.ObservePlaybackSegment(len(seg.pcm))
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.Canceled):
			b.logger.Debug("segment cut off", zap.Int("bytes", len(seg.pcm)))
		default:
			b.failures.Add(1)
			b.logger.Warn("output device rejected segment", zap.Int("bytes", len(seg.pcm)), zap.Error(err))
		}
	}
}
