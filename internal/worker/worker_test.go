package worker

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/andresmejia3/checkpoint/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(payload []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Write the length header (Big Endian uint32) followed by the body
	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func testFrame() types.Frame {
	return types.Frame{Width: 2, Height: 1, Pix: []byte{1, 2, 3, 4, 5, 6}}
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [NumFaces:2] ([Box] [Score])*2
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 20, 100, 120})
	binary.Write(payload, binary.BigEndian, float32(0.99))
	binary.Write(payload, binary.BigEndian, [4]int32{300, 40, 50, 60})
	binary.Write(payload, binary.BigEndian, float32(0.5))

	w, stdin := newMockWorker(payload.Bytes())

	frame := testFrame()
	regions, err := w.Detect(frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO the worker: header + op + w + h + pixels
	sent := stdin.Bytes()
	wantLen := 4 + 1 + 4 + 4 + len(frame.Pix)
	if len(sent) != wantLen {
		t.Fatalf("Expected %d bytes sent, got %d", wantLen, len(sent))
	}
	if sent[4] != OpDetect {
		t.Errorf("Expected op %d, got %d", OpDetect, sent[4])
	}
	if got := binary.BigEndian.Uint32(sent[5:9]); got != 2 {
		t.Errorf("Expected width 2 on the wire, got %d", got)
	}

	if len(regions) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(regions))
	}
	want := types.FaceRegion{X: 10, Y: 20, Width: 100, Height: 120}
	if regions[0].X != want.X || regions[0].Y != want.Y || regions[0].Width != want.Width || regions[0].Height != want.Height {
		t.Errorf("Expected first region %+v, got %+v", want, regions[0])
	}
	if math.Abs(regions[0].Score-0.99) > 1e-6 {
		t.Errorf("Expected score ~0.99, got %f", regions[0].Score)
	}
}

func TestEncode(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(128))
	vec := [128]float32{}
	vec[0] = 0.5
	vec[127] = -0.25
	binary.Write(payload, binary.BigEndian, vec)

	w, stdin := newMockWorker(payload.Bytes())

	got, err := w.Encode(testFrame(), types.FaceRegion{X: 1, Y: 2, Width: 3, Height: 4})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Region trails the pixels as four int32s
	sent := stdin.Bytes()
	if sent[4] != OpEncode {
		t.Errorf("Expected op %d, got %d", OpEncode, sent[4])
	}
	tail := sent[len(sent)-16:]
	if x := int32(binary.BigEndian.Uint32(tail[0:4])); x != 1 {
		t.Errorf("Expected region x=1 on the wire, got %d", x)
	}

	if len(got) != 128 {
		t.Fatalf("Expected 128 components, got %d", len(got))
	}
	if math.Abs(got[0]-0.5) > 1e-9 || math.Abs(got[127]+0.25) > 1e-9 {
		t.Errorf("Vector decoded incorrectly: [0]=%f [127]=%f", got[0], got[127])
	}
}

func TestEncode_DimMismatch(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(128))
	binary.Write(payload, binary.BigEndian, [4]float32{}) // far too short

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Encode(testFrame(), types.FaceRegion{Width: 1, Height: 1}); err == nil {
		t.Fatal("Expected error for truncated vector, got nil")
	}
}

func TestDetect_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.Detect(testFrame())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetect_BogusCount(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1_000_000))

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Detect(testFrame()); err == nil {
		t.Fatal("Expected error for face count larger than payload")
	}
}

func TestDetect_ProcessDied(t *testing.T) {
	// Empty data pipe simulates the child exiting before answering
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.Detect(testFrame()); err == nil {
		t.Fatal("Expected EOF error from a dead worker")
	}
}
