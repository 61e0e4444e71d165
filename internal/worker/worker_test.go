package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/andresmejia3/shroud/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeFramed(t *testing.T, dst *MockCloser, payload []byte) {
	t.Helper()
	binary.Write(dst, binary.BigEndian, uint32(len(payload)))
	dst.Write(payload)
}

func TestProcessFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [NumFaces] [Box]...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]int32{10, 60, 70, 20})
	binary.Write(payload, binary.BigEndian, [4]int32{100, 180, 190, 120})
	writeFramed(t, dataPipeMock, payload.Bytes())

	w := &FaceWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if got := binary.BigEndian.Uint32(sentData[:4]); got != uint32(len(inputFrame)) {
		t.Errorf("Expected length prefix %d, got %d", len(inputFrame), got)
	}

	want := []types.FaceRegion{
		{Top: 10, Right: 60, Bottom: 70, Left: 20},
		{Top: 100, Right: 180, Bottom: 190, Left: 120},
	}
	if len(faces) != len(want) {
		t.Fatalf("Expected %d faces, got %d", len(want), len(faces))
	}
	for i := range want {
		if faces[i] != want[i] {
			t.Errorf("face %d = %+v, want %+v", i, faces[i], want[i])
		}
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeFramed(t, dataPipeMock, []byte{0, 0, 0, 0, 0})

	w := &FaceWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	faces, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "model weights not found"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	writeFramed(t, dataPipeMock, payload.Bytes())

	w := &FaceWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "face detector error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "face detector error: "+errMsg, err)
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// Claims 3 faces, carries none
	writeFramed(t, dataPipeMock, []byte{0, 0, 0, 0, 3})

	w := &FaceWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error for truncated response")
	}
}

func TestProcessFrame_Timeout(t *testing.T) {
	r, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer wr.Close()

	w := &FaceWorker{
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}

	// Nothing is ever written to wr, so the read must hit the deadline
	_, err = w.ProcessFrame([]byte("frame"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestNewFaceWorker_EmptyCommand(t *testing.T) {
	if _, err := NewFaceWorker(context.Background(), 0, "  ", time.Second); err == nil {
		t.Fatal("Expected error for empty command")
	}
}

func TestProcessFrame_TimeoutBreaksWorker(t *testing.T) {
	r, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer wr.Close()

	w := &FaceWorker{
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}

	if _, err := w.ProcessFrame([]byte("frame-a")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	// The detector answers frame A late, then frame B. Neither may be handed out.
	reply := func(top int32) []byte {
		payload := new(bytes.Buffer)
		payload.WriteByte(0)
		binary.Write(payload, binary.BigEndian, uint32(1))
		binary.Write(payload, binary.BigEndian, [4]int32{top, 10, top + 5, 0})
		framed := new(bytes.Buffer)
		binary.Write(framed, binary.BigEndian, uint32(payload.Len()))
		framed.Write(payload.Bytes())
		return framed.Bytes()
	}
	wr.Write(reply(111))
	wr.Write(reply(222))

	faces, err := w.ProcessFrame([]byte("frame-b"))
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken after a timeout, got faces=%v err=%v", faces, err)
	}
	if faces != nil {
		t.Errorf("Expected no faces from a broken worker, got %v", faces)
	}

	// Sticky: still failing, and nothing else was sent to the detector
	stdin := w.Stdin.(*MockCloser)
	sent := stdin.Len()
	if _, err := w.ProcessFrame([]byte("frame-c")); !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken on later calls, got %v", err)
	}
	if stdin.Len() != sent {
		t.Errorf("Broken worker must not send frames, stdin grew from %d to %d", sent, stdin.Len())
	}
}

func TestProcessFrame_OversizedResponseBreaksWorker(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(maxResponseSize+1))

	w := &FaceWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.ProcessFrame([]byte("frame")); err == nil || errors.Is(err, ErrBroken) {
		t.Fatalf("Expected the size error itself on the first call, got %v", err)
	}

	// A well-formed reply queued afterwards must not be picked up
	writeFramed(t, dataPipeMock, []byte{0, 0, 0, 0, 0})
	if _, err := w.ProcessFrame([]byte("frame")); !errors.Is(err, ErrBroken) {
		t.Fatalf("Expected ErrBroken, got %v", err)
	}
}

func TestProcessFrame_DetectorErrorKeepsWorker(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, uint32(4))
	payload.WriteString("oops")
	writeFramed(t, dataPipeMock, payload.Bytes())
	writeFramed(t, dataPipeMock, []byte{0, 0, 0, 0, 0})

	w := &FaceWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected detector error")
	}
	// A complete error reply leaves the stream in sync
	if _, err := w.ProcessFrame([]byte("frame")); err != nil {
		t.Fatalf("Expected worker to stay usable, got %v", err)
	}
}
