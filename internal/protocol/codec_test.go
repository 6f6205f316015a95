package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mattjoyce/inputd/internal/input"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name:  "hello",
			frame: HelloFrame("editor"),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"version":1`) {
					t.Error("missing version field")
				}
				if !strings.Contains(output, `"hello":{"name":"editor"}`) {
					t.Error("missing hello payload")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("frame not newline terminated")
				}
			},
		},
		{
			name: "key",
			frame: KeyFrame(&input.KeyEvent{
				Action: input.KeyActionDown, KeyCode: 29, EventTime: 1700000000000000000,
			}),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"type":"key"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"key_code":29`) {
					t.Errorf("missing key code in %s", output)
				}
			},
		},
		{
			name:    "unsupported version",
			frame:   &Frame{Version: 2, Type: TypeFinished, Finished: &Finished{}},
			wantErr: true,
		},
		{
			name:    "payload mismatch",
			frame:   &Frame{Version: Version, Type: TypeKey, Finished: &Finished{}},
			wantErr: true,
		},
		{
			name:    "hello without name",
			frame:   HelloFrame(""),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeFrame(&buf, tt.frame)

			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, f *Frame)
	}{
		{
			name:  "finished",
			input: `{"version":1,"type":"finished","finished":{"handled":true}}`,
			check: func(t *testing.T, f *Frame) {
				if !f.Finished.Handled {
					t.Error("expected handled")
				}
			},
		},
		{
			name:  "motion",
			input: `{"version":1,"type":"motion","motion":{"device_id":2,"action":2,"pointer_ids":[0],"samples":[{"event_time":5,"coords":[{"x":1,"y":2}]}]}}`,
			check: func(t *testing.T, f *Frame) {
				if f.Motion.EventTime() != 5 {
					t.Errorf("event time = %d, want 5", f.Motion.EventTime())
				}
			},
		},
		{
			name:    "unknown field",
			input:   `{"version":1,"type":"finished","finished":{"handled":true},"extra":1}`,
			wantErr: true,
		},
		{
			name:    "unknown version",
			input:   `{"version":3,"type":"finished","finished":{"handled":true}}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			input:   `{"version":1,"finished":{"handled":true}}`,
			wantErr: true,
		},
		{
			name:    "two payloads",
			input:   `{"version":1,"type":"hello","hello":{"name":"a"},"finished":{"handled":true}}`,
			wantErr: true,
		},
		{
			name:    "invalid type",
			input:   `{"version":1,"type":"ping","finished":{"handled":true}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
		{
			name:    "trailing frame",
			input:   `{"version":1,"type":"finished","finished":{"handled":true}} {}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && f != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestReaderRoundTrip(t *testing.T) {
	ev := &input.MotionEvent{
		DeviceID:   4,
		Source:     input.SourceTouchscreen,
		Action:     input.MotionActionMove,
		PointerIDs: []int32{0, 1},
		Samples: []input.MotionSample{{
			EventTime: 42,
			Coords:    []input.PointerCoords{{X: 1, Y: 2}, {X: 3, Y: 4, Pressure: 0.5}},
		}},
	}

	var buf bytes.Buffer
	for _, f := range []*Frame{HelloFrame("canvas"), MotionFrame(ev), FinishedFrame(false)} {
		if err := EncodeFrame(&buf, f); err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
	}
	buf.WriteString("\n")

	r := NewReader(&buf)
	hello, err := r.Next()
	if err != nil || hello.Hello.Name != "canvas" {
		t.Fatalf("hello = %+v, %v", hello, err)
	}
	motion, err := r.Next()
	if err != nil {
		t.Fatalf("motion: %v", err)
	}
	if got := motion.Motion.Samples[0].Coords[1]; got != ev.Samples[0].Coords[1] {
		t.Errorf("coords = %+v, want %+v", got, ev.Samples[0].Coords[1])
	}
	finished, err := r.Next()
	if err != nil || finished.Finished.Handled {
		t.Fatalf("finished = %+v, %v", finished, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
