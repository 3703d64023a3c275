package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrFrameTooLarge is returned by Decoder.Decode when a frame exceeds the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// MaxFrameSize bounds a single frame; a full history_response of 50 long
// messages fits comfortably.
const MaxFrameSize = 1 << 20

// Encoder writes frames as JSON lines. Safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

func (e *Encoder) Encode(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(f)
}

// Decoder reads JSON-line frames. Not safe for concurrent use.
type Decoder struct {
	lr  *limitedReader
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	lr := &limitedReader{r: r}
	return &Decoder{lr: lr, dec: json.NewDecoder(lr)}
}

// Decode reads the next frame. Frames with an empty type are rejected.
func (d *Decoder) Decode() (Frame, error) {
	d.lr.n = 0
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		if d.lr.n > MaxFrameSize {
			return Frame{}, ErrFrameTooLarge
		}
		return Frame{}, err
	}
	if d.lr.n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame without type")
	}
	return f, nil
}

// limitedReader counts bytes pulled by the json decoder for the current frame.
type limitedReader struct {
	r io.Reader
	n int
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	n, err := l.r.Read(p)
	l.n += n
	return n, err
}
