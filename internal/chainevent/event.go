// Package chainevent decodes the pool program's commitment events from
// transaction log lines.
package chainevent

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/juno-intents/shielded-pool/internal/field"
)

const (
	discriminatorSize = 8
	indexSize         = 8
	commitmentSize    = 32
	lengthSize        = 4

	// ProgramDataPrefix marks an emitted event in program logs.
	ProgramDataPrefix = "Program data: "
)

var (
	ErrUnknownEvent = errors.New("chainevent: unknown event discriminator")
	ErrMalformed    = errors.New("chainevent: malformed event")
)

// CommitmentDataDiscriminator tags CommitmentData events.
var CommitmentDataDiscriminator = EventDiscriminator("CommitmentData")

// EventDiscriminator is sha256("event:<name>")[:8].
func EventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

type Layout int

const (
	// LayoutSingle carries one commitment.
	LayoutSingle Layout = 1
	// LayoutDual carries two commitments at index and index+1.
	LayoutDual Layout = 2
)

func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutDual:
		return "dual"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// CommitmentEvent is one decoded insertion. Commitments[i] belongs at
// Index+i.
type CommitmentEvent struct {
	Index           uint64
	Commitments     []*big.Int
	EncryptedOutput []byte
	Layout          Layout
}

// headerSize is the fixed prefix before the first commitment.
const headerSize = discriminatorSize + indexSize

// Decode parses a raw event payload. The single and dual layouts cannot be
// told apart by a tag, so both are tried and the one whose declared blob
// length best accounts for the payload size wins. Ties go to the dual layout.
func Decode(payload []byte) (CommitmentEvent, error) {
	if len(payload) < discriminatorSize {
		return CommitmentEvent{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(payload))
	}
	if !bytes.Equal(payload[:discriminatorSize], CommitmentDataDiscriminator[:]) {
		return CommitmentEvent{}, ErrUnknownEvent
	}

	layout, ok := chooseLayout(payload)
	if !ok {
		return CommitmentEvent{}, fmt.Errorf("%w: no layout fits %d bytes", ErrMalformed, len(payload))
	}

	ev := CommitmentEvent{
		Index:  binary.LittleEndian.Uint64(payload[discriminatorSize:headerSize]),
		Layout: layout,
	}
	off := headerSize
	for i := 0; i < int(layout); i++ {
		var raw [32]byte
		copy(raw[:], payload[off:off+commitmentSize])
		c, err := field.FromBytes32(raw)
		if err != nil {
			return CommitmentEvent{}, fmt.Errorf("%w: commitment %d: %v", ErrMalformed, i, err)
		}
		ev.Commitments = append(ev.Commitments, c)
		off += commitmentSize
	}
	n := int(binary.LittleEndian.Uint32(payload[off : off+lengthSize]))
	off += lengthSize
	ev.EncryptedOutput = append([]byte(nil), payload[off:off+n]...)
	return ev, nil
}

// expectedLen is the payload size implied by the blob length field under
// layout l. ok is false when the field itself lies outside the payload.
func expectedLen(payload []byte, l Layout) (int, bool) {
	lenOff := headerSize + int(l)*commitmentSize
	if len(payload) < lenOff+lengthSize {
		return 0, false
	}
	n := int(binary.LittleEndian.Uint32(payload[lenOff : lenOff+lengthSize]))
	return lenOff + lengthSize + n, true
}

func chooseLayout(payload []byte) (Layout, bool) {
	best, bestDist := Layout(0), -1
	for _, l := range []Layout{LayoutDual, LayoutSingle} {
		want, ok := expectedLen(payload, l)
		if !ok || want > len(payload) {
			continue
		}
		d := len(payload) - want
		if bestDist < 0 || d < bestDist {
			best, bestDist = l, d
		}
	}
	return best, bestDist >= 0
}

// Encode builds a payload. Used by fixtures and replay tooling.
func Encode(ev CommitmentEvent) ([]byte, error) {
	if len(ev.Commitments) != 1 && len(ev.Commitments) != 2 {
		return nil, fmt.Errorf("%w: %d commitments", ErrMalformed, len(ev.Commitments))
	}
	out := make([]byte, 0, headerSize+len(ev.Commitments)*commitmentSize+lengthSize+len(ev.EncryptedOutput))
	out = append(out, CommitmentDataDiscriminator[:]...)
	out = binary.LittleEndian.AppendUint64(out, ev.Index)
	for _, c := range ev.Commitments {
		if !field.InField(c) {
			return nil, field.ErrNotInField
		}
		b := field.ToBytes32(c)
		out = append(out, b[:]...)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(ev.EncryptedOutput)))
	out = append(out, ev.EncryptedOutput...)
	return out, nil
}

// ParseLogs decodes every commitment event in a transaction's log lines.
// Lines that are not program data, or carry other event types, are ignored.
// Malformed commitment events are returned as a joined error alongside the
// events that did decode.
func ParseLogs(logs []string) ([]CommitmentEvent, error) {
	var (
		out  []CommitmentEvent
		errs []error
	)
	for i, line := range logs {
		data, ok := strings.CutPrefix(line, ProgramDataPrefix)
		if !ok {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: log %d: base64: %v", ErrMalformed, i, err))
			continue
		}
		ev, err := Decode(payload)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("log %d: %w", i, err))
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}
