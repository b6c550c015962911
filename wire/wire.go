// Package wire implements the binary control protocol spoken between the
// orchestrator and its client agents. Every message is a fixed-size frame:
// a header carrying the protocol version and message code, followed by a
// code-specific payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// Version is bumped whenever the frame layout changes.
const Version uint16 = 1

const (
	codeHello uint16 = iota + 1
	codeAttach
	codeDetach
	codeAck
	codePing
	codePong
)

const (
	ackOK     uint32 = 0
	ackFailed uint32 = 1
)

// Message is one decoded protocol frame.
type Message interface {
	code() uint16
}

// Hello is the first frame a client sends after connecting.
type Hello struct {
	ClientID string
}

// Attach instructs a client to import the device exported on BusID.
type Attach struct {
	BusID      string
	Transition uint64
}

// Detach instructs a client to release the device it imported from BusID.
type Detach struct {
	BusID      string
	Transition uint64
}

// Ack reports the outcome of an Attach or Detach. Transition ids are only
// unique per port, so the bus id is echoed back to correlate the ack with
// the exact command that caused it.
type Ack struct {
	BusID      string
	Transition uint64
	OK         bool
}

// Ping and Pong are the keepalive pair; either side may initiate.
type Ping struct{}
type Pong struct{}

func (Hello) code() uint16  { return codeHello }
func (Attach) code() uint16 { return codeAttach }
func (Detach) code() uint16 { return codeDetach }
func (Ack) code() uint16    { return codeAck }
func (Ping) code() uint16   { return codePing }
func (Pong) code() uint16   { return codePong }

type header struct {
	Version uint16
	Code    uint16
}

type helloPayload struct {
	ClientID [64]byte
}

type commandPayload struct {
	BusID      [32]byte
	Transition uint64
}

type ackPayload struct {
	BusID      [32]byte
	Transition uint64
	Status     uint32
}

func padded32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) >= len(out) {
		return out, errors.Newf("value %q too long for frame field", s)
	}
	copy(out[:], s)
	return out, nil
}

func padded64(s string) ([64]byte, error) {
	var out [64]byte
	if len(s) >= len(out) {
		return out, errors.Newf("value %q too long for frame field", s)
	}
	copy(out[:], s)
	return out, nil
}

func trimPadding(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// WriteMessage encodes msg and writes it to w as a single frame.
func WriteMessage(w io.Writer, msg Message) error {
	hdr := header{Version: Version, Code: msg.code()}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}

	var payload any
	switch m := msg.(type) {
	case Hello:
		id, err := padded64(m.ClientID)
		if err != nil {
			return err
		}
		payload = helloPayload{ClientID: id}
	case Attach:
		busId, err := padded32(m.BusID)
		if err != nil {
			return err
		}
		payload = commandPayload{BusID: busId, Transition: m.Transition}
	case Detach:
		busId, err := padded32(m.BusID)
		if err != nil {
			return err
		}
		payload = commandPayload{BusID: busId, Transition: m.Transition}
	case Ack:
		busId, err := padded32(m.BusID)
		if err != nil {
			return err
		}
		status := ackFailed
		if m.OK {
			status = ackOK
		}
		payload = ackPayload{BusID: busId, Transition: m.Transition, Status: status}
	case Ping, Pong:
		return nil
	default:
		return errors.Newf("unsupported message type %T", msg)
	}

	if err := binary.Write(w, binary.BigEndian, payload); err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	return nil
}

// ReadMessage reads and decodes a single frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr header
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != Version {
		return nil, errors.Newf("unsupported protocol version %#04x", hdr.Version)
	}

	switch hdr.Code {
	case codeHello:
		var p helloPayload
		if err := binary.Read(r, binary.BigEndian, &p); err != nil {
			return nil, errors.Wrap(err, "failed to read hello payload")
		}
		return Hello{ClientID: trimPadding(p.ClientID[:])}, nil
	case codeAttach, codeDetach:
		var p commandPayload
		if err := binary.Read(r, binary.BigEndian, &p); err != nil {
			return nil, errors.Wrap(err, "failed to read command payload")
		}
		if hdr.Code == codeAttach {
			return Attach{BusID: trimPadding(p.BusID[:]), Transition: p.Transition}, nil
		}
		return Detach{BusID: trimPadding(p.BusID[:]), Transition: p.Transition}, nil
	case codeAck:
		var p ackPayload
		if err := binary.Read(r, binary.BigEndian, &p); err != nil {
			return nil, errors.Wrap(err, "failed to read ack payload")
		}
		return Ack{BusID: trimPadding(p.BusID[:]), Transition: p.Transition, OK: p.Status == ackOK}, nil
	case codePing:
		return Ping{}, nil
	case codePong:
		return Pong{}, nil
	default:
		return nil, errors.Newf("unknown message code %#04x", hdr.Code)
	}
}
