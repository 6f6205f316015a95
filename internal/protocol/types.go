package protocol

import "github.com/mattjoyce/inputd/internal/input"

// Version is the only frame version spoken.
const Version = 1

// Frame types.
const (
	TypeHello    = "hello"
	TypeKey      = "key"
	TypeMotion   = "motion"
	TypeFinished = "finished"
)

// Frame is one newline-delimited JSON message between the daemon and a
// remote consumer. Exactly one payload is set, matching Type.
type Frame struct {
	Version  int                `json:"version"`
	Type     string             `json:"type"`
	Hello    *Hello             `json:"hello,omitempty"`
	Key      *input.KeyEvent    `json:"key,omitempty"`
	Motion   *input.MotionEvent `json:"motion,omitempty"`
	Finished *Finished          `json:"finished,omitempty"`
}

// Hello is the first frame a consumer sends.
type Hello struct {
	Name string `json:"name"`
}

// Finished acknowledges the last event frame.
type Finished struct {
	Handled bool `json:"handled"`
}

func HelloFrame(name string) *Frame {
	return &Frame{Version: Version, Type: TypeHello, Hello: &Hello{Name: name}}
}

func KeyFrame(ev *input.KeyEvent) *Frame {
	return &Frame{Version: Version, Type: TypeKey, Key: ev}
}

func MotionFrame(ev *input.MotionEvent) *Frame {
	return &Frame{Version: Version, Type: TypeMotion, Motion: ev}
}

func FinishedFrame(handled bool) *Frame {
	return &Frame{Version: Version, Type: TypeFinished, Finished: &Finished{Handled: handled}}
}
