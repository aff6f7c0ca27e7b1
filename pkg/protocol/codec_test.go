package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
)

// TestEncodeDecodeTaskResult verifies a message survives the codec.
func TestEncodeDecodeTaskResult(t *testing.T) {
	in := TaskResult{
		Name:     "Install nginx",
		Host:     "web1",
		Changed:  true,
		Duration: 1.25,
		Raw:      json.RawMessage(`{"rc":0}`),
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(*TaskResult)
	if !ok {
		t.Fatalf("decoded %T, want *TaskResult", out)
	}
	if got.Name != in.Name || got.Host != in.Host || !got.Changed || got.Duration != 1.25 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if string(got.Raw) != `{"rc":0}` {
		t.Errorf("raw payload mismatch: %s", got.Raw)
	}
}

// TestDecodeRejectsUnknownType verifies unknown tags are errors, not no-ops.
func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"v":1,"type":"task_skipped","data":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
	if !IsMalformed(err) {
		t.Errorf("expected malformed protocol error, got %v", err)
	}
}

// TestDecodeVersionMismatch verifies an incompatible envelope version is
// reported as such, not as corruption.
func TestDecodeVersionMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"v":99,"type":"heartbeat"}`))
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	if !IsVersionMismatch(err) {
		t.Errorf("expected version mismatch, got %v", err)
	}
	if IsMalformed(err) {
		t.Error("version mismatch should not report as malformed")
	}
}

// TestDecodeMalformed verifies corrupt input fails with a typed error.
func TestDecodeMalformed(t *testing.T) {
	for _, input := range []string{"", "{", `{"v":1,"type":"task_result","data":"nope"}`} {
		if _, err := Decode([]byte(input)); err == nil || !IsMalformed(err) {
			t.Errorf("input %q: expected malformed error, got %v", input, err)
		}
	}
}

// TestFrameRoundTrip verifies length-prefixed framing over a stream.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		Hello{Secret: "s3cret", Version: Version},
		TaskStart{Name: "Copy config", Host: "db1"},
		Heartbeat{},
		Control{Cmd: ControlCommand{Command: CmdRetry, Host: "db1", Vars: map[string]any{"port": "5432"}}},
	}
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	for i, want := range msgs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if TypeOf(got) != TypeOf(want) {
			t.Errorf("frame %d: got %s, want %s", i, TypeOf(got), TypeOf(want))
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

// TestReadFrameTruncated verifies a frame cut mid-body is malformed, and a
// clean close at a boundary is io.EOF.
func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TaskStart{Name: "t", Host: "h"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	data := buf.Bytes()
	_, err := ReadFrame(bytes.NewReader(data[:len(data)-3]))
	if err == nil || !IsMalformed(err) {
		t.Errorf("expected malformed error for truncated body, got %v", err)
	}
}

// TestReadFrameLengthBounds verifies absurd length prefixes are rejected
// before allocation.
func TestReadFrameLengthBounds(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	if err == nil || !IsMalformed(err) {
		t.Errorf("expected malformed error for oversized frame, got %v", err)
	}
}
