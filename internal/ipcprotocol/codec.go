package ipcprotocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageSize bounds a single framed line.
const MaxMessageSize = 4 * 1024 * 1024

var idCounter atomic.Uint64

// GenerateMessageID returns a process-unique message id: a monotonic counter
// plus a random suffix so ids from different processes do not collide.
func GenerateMessageID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("%d-%s", n, uuid.NewString()[:8])
}

// DecodeError reports a frame that could not be turned into a Message.
// Callers drop the frame and keep the connection open.
type DecodeError struct {
	Reason string
	Line   string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Serialize encodes msg as one newline-terminated JSON record.
func Serialize(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("serialize: nil message")
	}
	if newMessage(msg.MessageType()) == nil {
		return nil, fmt.Errorf("serialize: unknown message type %q", msg.MessageType())
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", msg.MessageType(), err)
	}
	return append(data, '\n'), nil
}

// Deserialize decodes one record. It returns a *DecodeError when the line is
// not JSON, has no type, has an unknown type, or has no id.
func Deserialize(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Line: excerpt(line), Err: err}
	}
	if head.Type == "" {
		return nil, &DecodeError{Reason: "missing type", Line: excerpt(line)}
	}
	msg := newMessage(head.Type)
	if msg == nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", head.Type), Line: excerpt(line)}
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid %s payload", head.Type), Line: excerpt(line), Err: err}
	}
	if msg.MessageID() == "" {
		return nil, &DecodeError{Reason: "missing id", Line: excerpt(line)}
	}
	return msg, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case TypeHandshake:
		return &Handshake{}
	case TypeHandshakeAck:
		return &HandshakeAck{}
	case TypePermissionRequest:
		return &PermissionRequest{}
	case TypePermissionResponse:
		return &PermissionResponse{}
	case TypeStatusUpdate:
		return &StatusUpdate{}
	case TypeLog:
		return &Log{}
	case TypeTaskComplete:
		return &TaskComplete{}
	case TypeTaskError:
		return &TaskError{}
	case TypeCancel:
		return &Cancel{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	}
	return nil
}

func excerpt(line []byte) string {
	const max = 120
	if len(line) <= max {
		return string(line)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return string(line[:cut]) + "..."
}

// ErrFrameTooLarge is the DecodeError cause for lines above MaxMessageSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Reader frames messages from a stream, one per line.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return newReaderSize(r, MaxMessageSize)
}

func newReaderSize(r io.Reader, maxSize int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// Next returns the next message. A malformed or oversized line yields a
// *DecodeError and the reader stays usable; io.EOF marks the end of the
// stream. Any other error is fatal for the stream.
func (r *Reader) Next() (Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Deserialize(line)
	}
}

// readLine returns the next line without its newline. Once a line passes
// maxSize the rest of it is discarded up to the next newline.
func (r *Reader) readLine() ([]byte, error) {
	var (
		line     []byte
		size     int
		tooLarge bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		complete := err == nil
		if complete {
			chunk = chunk[:len(chunk)-1]
		}
		size += len(chunk)
		if size > r.maxSize {
			tooLarge = true
			line = nil
		} else {
			line = append(line, chunk...)
		}

		switch {
		case complete || (err == io.EOF && size > 0):
			if tooLarge {
				return nil, &DecodeError{
					Reason: fmt.Sprintf("frame too large (%d bytes, limit %d)", size, r.maxSize),
					Err:    ErrFrameTooLarge,
				}
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// Type predicates

func is[T Message](m Message) bool {
	_, ok := m.(T)
	return ok
}

func IsHandshake(m Message) bool          { return is[*Handshake](m) }
func IsHandshakeAck(m Message) bool       { return is[*HandshakeAck](m) }
func IsPermissionRequest(m Message) bool  { return is[*PermissionRequest](m) }
func IsPermissionResponse(m Message) bool { return is[*PermissionResponse](m) }
func IsStatusUpdate(m Message) bool       { return is[*StatusUpdate](m) }
func IsLog(m Message) bool                { return is[*Log](m) }
func IsTaskComplete(m Message) bool       { return is[*TaskComplete](m) }
func IsTaskError(m Message) bool          { return is[*TaskError](m) }
func IsCancel(m Message) bool             { return is[*Cancel](m) }
func IsPing(m Message) bool               { return is[*Ping](m) }
func IsPong(m Message) bool               { return is[*Pong](m) }

// IsTerminal reports whether m ends a worker's task.
func IsTerminal(m Message) bool { return IsTaskComplete(m) || IsTaskError(m) }
