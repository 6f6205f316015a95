package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 1 << 20

// EncodeFrame validates f and writes it to w as one line of JSON.
func EncodeFrame(w io.Writer, f *Frame) error {
	if f.Version != Version {
		return fmt.Errorf("unsupported protocol version: %d", f.Version)
	}
	if err := f.validate(); err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(f); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// DecodeFrame parses one frame. Unknown fields, unknown versions and
// payloads that do not match the type are rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if decoder.More() {
		return nil, errors.New("trailing data after frame")
	}

	if f.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", f.Version)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Frame) validate() error {
	set := 0
	for _, present := range []bool{f.Hello != nil, f.Key != nil, f.Motion != nil, f.Finished != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("frame must carry exactly one payload, got %d", set)
	}

	var ok bool
	switch f.Type {
	case TypeHello:
		ok = f.Hello != nil
		if ok && f.Hello.Name == "" {
			return fmt.Errorf("hello frame missing required field: name")
		}
	case TypeKey:
		ok = f.Key != nil
	case TypeMotion:
		ok = f.Motion != nil
	case TypeFinished:
		ok = f.Finished != nil
	case "":
		return fmt.Errorf("frame missing required field: type")
	default:
		return fmt.Errorf("invalid frame type: %q", f.Type)
	}
	if !ok {
		return fmt.Errorf("frame payload does not match type %q", f.Type)
	}
	return nil
}

// Reader reads newline-delimited frames from a stream.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next frame, skipping blank lines. It returns io.EOF at
// the end of the stream.
func (r *Reader) Next() (*Frame, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeFrame(line)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return nil, io.EOF
}
