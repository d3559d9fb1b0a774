// Package worker drives the external face detection/encoding process.
//
// The process is spawned once and kept alive; frames are exchanged over stdin
// and a dedicated side-channel pipe (FD 3) so that library chatter on the
// child's stdout can never corrupt the binary protocol.
//
// Request:  [u32 len] [u8 op] [u32 width] [u32 height] [RGB24 pixels] ([i32 x,y,w,h] for OpEncode)
// Response: [u32 len] [u8 status] ...
//
//	status 0, OpDetect: [u32 n] n × ([i32 x,y,w,h] [f32 score])
//	status 0, OpEncode: [u32 dim] dim × f32
//	status 1:           [u32 msgLen] [msg]
//
// All integers are big endian.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

const (
	OpDetect byte = 1
	OpEncode byte = 2

	statusOK    byte = 0
	statusError byte = 1

	// maxResponse guards against a desynchronised stream allocating garbage lengths.
	maxResponse = 16 * 1024 * 1024
)

var (
	// ErrWorker marks a failure the worker reported itself (bad image, model error).
	// The process is still healthy after one of these.
	ErrWorker = errors.New("python worker error")
	// ErrTimeout is returned when the worker does not answer within the read timeout.
	ErrTimeout = errors.New("worker read timeout")
)

// Config describes how to spawn the external worker.
type Config struct {
	Command     []string      // argv, e.g. ["python3", "-u", "python/worker.py"]
	ReadTimeout time.Duration // per-exchange bound, 0 disables
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex // one exchange at a time; the protocol is strictly request/response
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewPythonWorker spawns the worker process. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker %d: empty command", id)
	}
	py := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Detect returns every face region the worker finds in frame.
func (w *PythonWorker) Detect(frame types.Frame) ([]types.FaceRegion, error) {
	resp, err := w.exchange(encodeRequest(OpDetect, frame, nil))
	if err != nil {
		return nil, err
	}
	return decodeRegions(resp)
}

// Encode returns the raw encoding for region within frame.
func (w *PythonWorker) Encode(frame types.Frame, region types.FaceRegion) ([]float64, error) {
	resp, err := w.exchange(encodeRequest(OpEncode, frame, &region))
	if err != nil {
		return nil, err
	}
	return decodeVector(resp)
}

func encodeRequest(op byte, frame types.Frame, region *types.FaceRegion) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 9+len(frame.Pix)+16))
	buf.WriteByte(op)
	binary.Write(buf, binary.BigEndian, uint32(frame.Width))
	binary.Write(buf, binary.BigEndian, uint32(frame.Height))
	buf.Write(frame.Pix)
	if region != nil {
		binary.Write(buf, binary.BigEndian, [4]int32{
			int32(region.X), int32(region.Y), int32(region.Width), int32(region.Height),
		})
	}
	return buf.Bytes()
}

// exchange performs one [Length][Data] round trip and strips the status byte.
func (w *PythonWorker) exchange(data []byte) (*bytes.Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.timeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, readErr(err) // This is where we catch an import crash in the child
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid worker response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, readErr(err)
	}

	r := bytes.NewReader(respBody)
	status, _ := r.ReadByte()
	switch status {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorker, msg)
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}
}

func readErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func decodeRegions(r *bytes.Reader) ([]types.FaceRegion, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read face count: %w", err)
	}
	// Each region is 20 bytes; reject counts the payload cannot hold.
	if int64(n)*20 > int64(r.Len()) {
		return nil, fmt.Errorf("face count %d exceeds payload", n)
	}
	regions := make([]types.FaceRegion, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("failed to read box %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("failed to read score %d: %w", i, err)
		}
		regions = append(regions, types.FaceRegion{
			X: int(box[0]), Y: int(box[1]), Width: int(box[2]), Height: int(box[3]),
			Score: float64(score),
		})
	}
	return regions, nil
}

func decodeVector(r *bytes.Reader) ([]float64, error) {
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read vector dim: %w", err)
	}
	if int64(dim)*4 != int64(r.Len()) {
		return nil, fmt.Errorf("vector dim %d does not match payload of %d bytes", dim, r.Len())
	}
	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read vector: %w", err)
	}
	vec := make([]float64, dim)
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
