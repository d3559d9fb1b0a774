package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

const maxJpegFrame = 16 * 1024 * 1024

// Camera streams MJPEG frames out of ffmpeg into a Slot.
type Camera struct {
	Device string
	FPS    int
	// Width is the maximum frame width handed to the codec; larger frames are
	// downscaled preserving aspect ratio. Zero keeps the native size.
	Width int

	logger *slog.Logger
	now    func() time.Time
}

type CameraOption func(*Camera)

func WithCameraLogger(logger *slog.Logger) CameraOption {
	return func(c *Camera) { c.logger = logger }
}

func NewCamera(device string, fps, width int, opts ...CameraOption) *Camera {
	c := &Camera{
		Device: device,
		FPS:    fps,
		Width:  width,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run reads frames until ctx is cancelled or the stream ends, publishing each
// into slot. The slot is closed on return.
func (c *Camera) Run(ctx context.Context, slot *Slot) error {
	defer slot.Close()

	cmd := utils.NewCameraCmd(ctx, c.Device, c.FPS)
	sc := &utils.SafeCommand{Cmd: cmd, Stderr: &bytes.Buffer{}}
	cmd.Stderr = sc.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("camera stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	c.logger.Info("camera started", "device", c.Device, "fps", c.FPS)

	n, err := c.stream(stdout, slot)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read camera stream after %d frames: %w", n, err)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, bytes.TrimSpace(sc.Stderr.Bytes()))
	}
	if n == 0 {
		return errors.New("camera produced no frames")
	}
	return nil
}

func (c *Camera) stream(r io.Reader, slot *Slot) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), maxJpegFrame)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			c.logger.Debug("skipping undecodable frame", "index", index, "error", err)
			continue
		}
		frame := FromImage(img, c.Width)
		frame.Index = index
		frame.CapturedAt = c.now()
		slot.Put(frame)
		index++
	}
	return index, scanner.Err()
}

// FromImage converts img to a packed RGB24 frame no wider than maxWidth.
func FromImage(img image.Image, maxWidth int) types.Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = max(1, h*maxWidth/w)
		w = maxWidth
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), img, b, draw.Src, nil)
	}

	pix := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			pix = append(pix, row[x], row[x+1], row[x+2])
		}
	}
	return types.Frame{Width: w, Height: h, Pix: pix}
}

// LoadImageFrame decodes a still JPEG or PNG image into a frame.
func LoadImageFrame(data []byte, maxWidth int) (types.Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img, maxWidth), nil
}
