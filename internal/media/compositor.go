package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// Compositor holds the latest decoded video frame per sender and merges
// them on a fixed cadence into one JPEG grid. Senders occupy grid cells
// in first-frame order; the grid is ceil(sqrt(N)) columns by
// ceil(N/cols) rows of fixed-size cells, filled row-major. A single
// sender bypasses the grid and is emitted alone at cell size.
//
// Frames keep arriving between ticks; only the newest per sender is
// composed. Emission stops within one tick of Stop.
type Compositor struct {
	cellW    int
	cellH    int
	quality  int
	interval time.Duration
	emit     func([]byte)
	logger   *slog.Logger

	mu    sync.Mutex
	order []uuid.UUID // grid slots in first-frame order
	slots map[uuid.UUID]image.Image

	composed   atomic.Uint64
	decodeErrs atomic.Uint64

	done chan struct{}
}

// NewCompositor creates a compositor emitting cellW x cellH cells at
// the given JPEG quality every interval. Each composed frame is handed
// to emit on the compose goroutine.
func NewCompositor(cellW, cellH, quality int, interval time.Duration, emit func([]byte), logger *slog.Logger) *Compositor {
	return &Compositor{
		cellW:    cellW,
		cellH:    cellH,
		quality:  quality,
		interval: interval,
		emit:     emit,
		logger:   logger.With("subsystem", "compositor"),
		slots:    make(map[uuid.UUID]image.Image),
	}
}

// Start launches the compose loop. It runs until Stop is called or ctx
// is cancelled.
func (c *Compositor) Start(ctx context.Context) {
	c.done = make(chan struct{})
	go c.composeLoop(ctx)
	c.logger.Info("compositor started",
		"cell", fmt.Sprintf("%dx%d", c.cellW, c.cellH),
		"interval", c.interval,
	)
}

// Stop terminates the compose loop.
func (c *Compositor) Stop() {
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

func (c *Compositor) composeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			frame, err := c.Compose()
			if err != nil {
				c.logger.Warn("compose failed", "error", err)
				continue
			}
			if frame != nil {
				c.emit(frame)
				c.composed.Add(1)
			}
		}
	}
}

// Update decodes a sender's JPEG frame and installs it as that sender's
// current slot image. A frame that fails to decode leaves the previous
// image in place.
func (c *Compositor) Update(sender uuid.UUID, jpegFrame []byte) error {
	img, err := jpeg.Decode(bytes.NewReader(jpegFrame))
	if err != nil {
		c.decodeErrs.Add(1)
		c.logger.Debug("frame decode failed",
			"client", sender,
			"bytes", len(jpegFrame),
			"error", err,
		)
		return fmt.Errorf("decoding frame from %s: %w", sender, err)
	}

	c.mu.Lock()
	if _, ok := c.slots[sender]; !ok {
		c.order = append(c.order, sender)
	}
	c.slots[sender] = img
	c.mu.Unlock()
	return nil
}

// DropSender frees the sender's grid slot. Remaining senders shift to
// keep the grid packed.
func (c *Compositor) DropSender(sender uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[sender]; !ok {
		return
	}
	delete(c.slots, sender)
	for i, id := range c.order {
		if id == sender {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Compose renders the current slots into one JPEG. Returns nil with no
// error when there is nothing to compose.
func (c *Compositor) Compose() ([]byte, error) {
	// Snapshot under the lock; decoded images are never mutated, so
	// scaling can proceed without it.
	c.mu.Lock()
	images := make([]image.Image, 0, len(c.order))
	for _, id := range c.order {
		images = append(images, c.slots[id])
	}
	c.mu.Unlock()

	if len(images) == 0 {
		return nil, nil
	}

	var canvas *image.RGBA
	if len(images) == 1 {
		canvas = image.NewRGBA(image.Rect(0, 0, c.cellW, c.cellH))
		scaleInto(canvas, canvas.Bounds(), images[0])
	} else {
		cols := int(math.Ceil(math.Sqrt(float64(len(images)))))
		rows := (len(images) + cols - 1) / cols
		canvas = image.NewRGBA(image.Rect(0, 0, cols*c.cellW, rows*c.cellH))

		for i, img := range images {
			x := (i % cols) * c.cellW
			y := (i / cols) * c.cellH
			cell := image.Rect(x, y, x+c.cellW, y+c.cellH)
			scaleInto(canvas, cell, img)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encoding composite: %w", err)
	}
	return buf.Bytes(), nil
}

// scaleInto scales src to exactly fill the destination rectangle.
func scaleInto(dst *image.RGBA, dr image.Rectangle, src image.Image) {
	draw.ApproxBiLinear.Scale(dst, dr, src, src.Bounds(), draw.Src, nil)
}

// SlotCount returns the number of senders currently holding a grid slot.
func (c *Compositor) SlotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// CompositorStats is a snapshot of compositor counters.
type CompositorStats struct {
	Slots        int
	Composed     uint64
	DecodeErrors uint64
}

// Stats returns current compositor counters.
func (c *Compositor) Stats() CompositorStats {
	c.mu.Lock()
	slots := len(c.slots)
	c.mu.Unlock()

	return CompositorStats{
		Slots:        slots,
		Composed:     c.composed.Load(),
		DecodeErrors: c.decodeErrs.Load(),
	}
}
