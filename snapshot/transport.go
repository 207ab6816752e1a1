// This file implements the framed binary stream a snapshot is written as.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a snapshot stream message.
type MsgType uint32

const (
	MsgSnapshot   MsgType = 1 // gob-encoded Snapshot (no memory)
	MsgMemoryFull MsgType = 2 // raw guest memory of one slot
	MsgDone       MsgType = 4 // end of stream
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrPayloadTooLarge   = errors.New("message payload too large")
)

// MaxPayload bounds a single message. Guest RAM is at most a few MiB and
// the gob encoded vCPU state is far smaller.
const MaxPayload = 64 << 20

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendSnapshot encodes snap with gob and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendMemoryFull sends the raw memory bytes.
func (s *Sender) SendMemoryFull(mem []byte) error {
	return s.send(MsgMemoryFull, mem)
}

// SendDone signals the end of the stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, ErrPayloadTooLarge)
	}

	// The buffer grows with what actually arrives, so a truncated stream
	// never costs the declared length.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r.r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload.Bytes(), nil
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

// Write stores snap followed by each memory slot and a MsgDone.
func Write(w io.Writer, snap *Snapshot, mem ...[]byte) error {
	s := NewSender(w)

	if err := s.SendSnapshot(snap); err != nil {
		return err
	}

	for _, m := range mem {
		if err := s.SendMemoryFull(m); err != nil {
			return err
		}
	}

	return s.SendDone()
}

// Read is the inverse of Write.
func Read(r io.Reader) (*Snapshot, [][]byte, error) {
	recv := NewReceiver(r)

	t, payload, err := recv.Next()
	if err != nil {
		return nil, nil, err
	}

	if t != MsgSnapshot {
		return nil, nil, fmt.Errorf("%w: type %d, want %d", ErrUnexpectedMessage, t, MsgSnapshot)
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, nil, err
	}

	var mem [][]byte

	for {
		t, payload, err := recv.Next()
		if err != nil {
			return nil, nil, err
		}

		switch t {
		case MsgMemoryFull:
			mem = append(mem, payload)
		case MsgDone:
			return snap, mem, nil
		default:
			return nil, nil, fmt.Errorf("%w: type %d", ErrUnexpectedMessage, t)
		}
	}
}
