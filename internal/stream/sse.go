package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const dataPrefix = "data:"

// Frame is one decoded server-sent event payload
type Frame struct {
	Chunk string
	Done  bool
	Error string
	// Raw is the complete JSON payload, used to read the final result of a done frame
	Raw json.RawMessage
}

type framePayload struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// RemoteError is an error frame sent by the server
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "stream: remote error: " + e.Message
}

// Encoder writes server-sent event frames. Each write is flushed when the underlying
// writer supports it.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

type flusher interface {
	Flush()
}

// NewEncoder returns an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Chunk writes a {"chunk": ...} frame
func (e *Encoder) Chunk(fragment string) error {
	return e.write(map[string]string{"chunk": fragment})
}

// Error writes an {"error": ...} frame
func (e *Encoder) Error(message string) error {
	return e.write(map[string]string{"error": message})
}

// Done writes {"done": true, ...payload}. payload must marshal to a JSON object or be nil.
func (e *Encoder) Done(payload any) error {
	if payload == nil {
		return e.writeRaw([]byte(`{"done":true}`))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode final payload: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return fmt.Errorf("stream: final payload must be an object, got %s", body)
	}
	inner := bytes.TrimSpace(body[1 : len(body)-1])
	if len(inner) == 0 {
		return e.writeRaw([]byte(`{"done":true}`))
	}
	frame := make([]byte, 0, len(body)+12)
	frame = append(frame, `{"done":true,`...)
	frame = append(frame, inner...)
	frame = append(frame, '}')
	return e.writeRaw(frame)
}

func (e *Encoder) write(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: encode frame: %w", err)
	}
	return e.writeRaw(body)
}

func (e *Encoder) writeRaw(body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := fmt.Fprintf(e.w, "%s %s\n\n", dataPrefix, body); err != nil {
		return fmt.Errorf("stream: write frame: %w", err)
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Decoder reads server-sent event frames. Lines are buffered across reads, so a frame
// split over several network reads is only returned once its terminating blank line
// has arrived. Comment lines and fields other than data are ignored.
type Decoder struct {
	r    *bufio.Reader
	data []string
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete frame. It returns io.EOF when the input ends; a
// trailing frame without its blank line is discarded.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.data = nil
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("stream: read frame: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(d.data) == 0 {
				continue
			}
			payload := strings.Join(d.data, "\n")
			d.data = d.data[:0]
			return decodeFrame(payload)
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, dataPrefix):
			value := strings.TrimPrefix(line, dataPrefix)
			d.data = append(d.data, strings.TrimPrefix(value, " "))
		}
	}
}

func decodeFrame(payload string) (Frame, error) {
	var p framePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Frame{}, fmt.Errorf("stream: malformed frame %q: %w", payload, err)
	}
	return Frame{
		Chunk: p.Chunk,
		Done:  p.Done,
		Error: p.Error,
		Raw:   json.RawMessage(payload),
	}, nil
}

// SSESource adapts a server-sent event body into a Source. Chunk frames become
// fragments, a done frame ends the stream and an error frame fails it.
type SSESource struct {
	dec   *Decoder
	body  io.Closer
	final json.RawMessage
}

// NewSSESource reads frames from body and closes it on Close
func NewSSESource(body io.ReadCloser) *SSESource {
	return &SSESource{dec: NewDecoder(body), body: body}
}

// Next implements Source
func (s *SSESource) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		frame, err := s.dec.Next()
		if errors.Is(err, io.EOF) {
			if s.final == nil {
				return "", io.ErrUnexpectedEOF
			}
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}

		switch {
		case frame.Error != "":
			return "", &RemoteError{Message: frame.Error}
		case frame.Done:
			s.final = frame.Raw
			return "", io.EOF
		case frame.Chunk != "":
			return frame.Chunk, nil
		}
	}
}

// Final decodes the payload of the done frame into v
func (s *SSESource) Final(v any) error {
	if s.final == nil {
		return errors.New("stream: no final frame received")
	}
	return json.Unmarshal(s.final, v)
}

// Close implements Source
func (s *SSESource) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
