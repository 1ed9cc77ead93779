package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageSize bounds a single line on the wire, newline included.
const MaxMessageSize = 10 << 20

var errEmptyLine = errors.New("empty line")

// Encoder writes one message per line. Concurrent calls never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals data into the envelope of a msgType message and writes it
// with a single Write.
func (e *Encoder) Encode(id string, msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	msg := Message{ID: id, Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	line = append(line, '\n')
	if len(line) > MaxMessageSize {
		return fmt.Errorf("%s message is %d bytes, limit is %d", msgType, len(line), MaxMessageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return nil
}

// EncodeResult answers request id successfully.
func (e *Encoder) EncodeResult(id string, result interface{}) error {
	return e.Encode(id, MessageTypeResult, result)
}

// EncodeError answers request id with err and its kind.
func (e *Encoder) EncodeError(id string, err error) error {
	return e.Encode(id, MessageTypeError, NewErrorMessage(err))
}

func (e *Encoder) EncodeCancel(id string) error {
	return e.Encode(id, MessageTypeCancel, nil)
}

// Decoder reads messages line by line. A malformed line yields an error
// but leaves the decoder positioned at the next one. Not safe for
// concurrent use.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), MaxMessageSize)
	return &Decoder{s: s}
}

// Decode returns the next message, or io.EOF at the end of the stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.s.Scan() {
		if err := d.s.Err(); err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		return nil, io.EOF
	}

	line := bytes.TrimSpace(d.s.Bytes())
	if len(line) == 0 {
		return nil, errEmptyLine
	}

	msg := new(Message)
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%s message has no id", msg.Type)
	}
	return msg, nil
}

// ParseParams decodes a request or reply payload into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return errors.New("message carries no data")
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("malformed message data: %w", err)
	}
	return nil
}
