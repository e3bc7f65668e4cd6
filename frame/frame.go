// Package frame encodes the unit moved across transfer sockets.
//
// Every frame starts with a fixed 17-byte header: the originating channel id,
// zero-padded to 16 bytes, followed by a kind byte. Relays route on the
// header alone and never decode the body.
//
//	data: [chan id 16][0x01][uvarint buffer_id][uvarint body_len]{[uvarint msg_id][uvarint len][bytes]}*
//	ack:  [chan id 16][0x02][uvarint count]{[uvarint buffer_id]}*
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/c360/streamnet/errors"
)

const (
	// ChannelIDSize is the fixed width of the channel id field.
	ChannelIDSize = 16
	// HeaderSize is the channel id plus the kind byte.
	HeaderSize = ChannelIDSize + 1
	// DefaultBufferSize bounds a data frame built by Builder.
	DefaultBufferSize = 32 * 1024
)

// Kind distinguishes data frames from acknowledgment frames.
type Kind byte

const (
	KindData Kind = 1
	KindAck  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// ValidateChannelID checks that id fits the header field.
func ValidateChannelID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty channel id", errors.ErrInvalidConfig)
	}
	if len(id) > ChannelIDSize {
		return fmt.Errorf("%w: channel id %q longer than %d bytes", errors.ErrInvalidConfig, id, ChannelIDSize)
	}
	if bytes.IndexByte([]byte(id), 0) >= 0 {
		return fmt.Errorf("%w: channel id %q contains NUL", errors.ErrInvalidConfig, id)
	}
	return nil
}

func appendHeader(dst []byte, channelID string, kind Kind) []byte {
	var field [ChannelIDSize]byte
	copy(field[:], channelID)
	dst = append(dst, field[:]...)
	return append(dst, byte(kind))
}

// ChannelID reads the routing header without touching the body.
func ChannelID(b []byte) (string, error) {
	if len(b) < HeaderSize {
		return "", fmt.Errorf("%w: %d bytes is shorter than the header", errors.ErrInvalidFrame, len(b))
	}
	field := b[:ChannelIDSize]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	if len(field) == 0 {
		return "", fmt.Errorf("%w: empty channel id", errors.ErrInvalidFrame)
	}
	return string(field), nil
}

// KindOf returns the frame kind.
func KindOf(b []byte) (Kind, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the header", errors.ErrInvalidFrame, len(b))
	}
	k := Kind(b[ChannelIDSize])
	if k != KindData && k != KindAck {
		return 0, fmt.Errorf("%w: unknown kind %d", errors.ErrInvalidFrame, byte(k))
	}
	return k, nil
}

// Record is one serialized application item inside a data frame.
type Record struct {
	ID      uint64
	Payload []byte
}

// Data is a decoded data frame.
type Data struct {
	ChannelID string
	BufferID  uint64
	Records   []Record
}

// Builder batches records into a single data frame up to a size limit.
type Builder struct {
	channelID string
	bufferID  uint64
	maxSize   int
	body      []byte
	records   int
}

// NewBuilder starts a data frame for channelID. maxSize <= 0 selects
// DefaultBufferSize.
func NewBuilder(channelID string, bufferID uint64, maxSize int) (*Builder, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Builder{channelID: channelID, bufferID: bufferID, maxSize: maxSize}, nil
}

// TryAppend adds a record if the frame stays within the size limit. The
// first record is always accepted so oversized items still travel alone.
func (b *Builder) TryAppend(msgID uint64, payload []byte) bool {
	add := uvarintLen(msgID) + uvarintLen(uint64(len(payload))) + len(payload)
	if b.records > 0 && b.sizeWithBody(len(b.body)+add) > b.maxSize {
		return false
	}
	b.body = binary.AppendUvarint(b.body, msgID)
	b.body = binary.AppendUvarint(b.body, uint64(len(payload)))
	b.body = append(b.body, payload...)
	b.records++
	return true
}

// RecordFrameSize returns the encoded size of a data frame carrying a single
// record of n payload bytes.
func RecordFrameSize(bufferID, msgID uint64, n int) int {
	body := uvarintLen(msgID) + uvarintLen(uint64(n)) + n
	return HeaderSize + uvarintLen(bufferID) + uvarintLen(uint64(body)) + body
}

// BufferID returns the id this frame will carry.
func (b *Builder) BufferID() uint64 { return b.bufferID }

// Records returns how many records were appended.
func (b *Builder) Records() int { return b.records }

// Size returns the encoded size of the frame as it stands.
func (b *Builder) Size() int { return b.sizeWithBody(len(b.body)) }

func (b *Builder) sizeWithBody(n int) int {
	return HeaderSize + uvarintLen(b.bufferID) + uvarintLen(uint64(n)) + n
}

// Bytes encodes the frame. The builder may keep appending afterwards; each
// call returns an independent slice.
func (b *Builder) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	out = appendHeader(out, b.channelID, KindData)
	out = binary.AppendUvarint(out, b.bufferID)
	out = binary.AppendUvarint(out, uint64(len(b.body)))
	return append(out, b.body...)
}

// DecodeData parses a data frame.
func DecodeData(b []byte) (Data, error) {
	kind, err := KindOf(b)
	if err != nil {
		return Data{}, err
	}
	if kind != KindData {
		return Data{}, fmt.Errorf("%w: expected data frame, got %s", errors.ErrInvalidFrame, kind)
	}
	channelID, err := ChannelID(b)
	if err != nil {
		return Data{}, err
	}

	r := reader{buf: b[HeaderSize:]}
	bufferID := r.uvarint()
	bodyLen := r.uvarint()
	if r.err != nil {
		return Data{}, r.err
	}
	if bodyLen != uint64(len(r.buf)) {
		return Data{}, fmt.Errorf("%w: body length %d, have %d", errors.ErrInvalidFrame, bodyLen, len(r.buf))
	}

	d := Data{ChannelID: channelID, BufferID: bufferID}
	for len(r.buf) > 0 && r.err == nil {
		id := r.uvarint()
		payload := r.bytes(r.uvarint())
		if r.err == nil {
			d.Records = append(d.Records, Record{ID: id, Payload: payload})
		}
	}
	if r.err != nil {
		return Data{}, r.err
	}
	return d, nil
}

// EncodeAck builds an acknowledgment for the given buffer ids.
func EncodeAck(channelID string, bufferIDs []uint64) ([]byte, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+binary.MaxVarintLen64*(len(bufferIDs)+1))
	out = appendHeader(out, channelID, KindAck)
	out = binary.AppendUvarint(out, uint64(len(bufferIDs)))
	for _, id := range bufferIDs {
		out = binary.AppendUvarint(out, id)
	}
	return out, nil
}

// DecodeAck parses an acknowledgment frame.
func DecodeAck(b []byte) (string, []uint64, error) {
	kind, err := KindOf(b)
	if err != nil {
		return "", nil, err
	}
	if kind != KindAck {
		return "", nil, fmt.Errorf("%w: expected ack frame, got %s", errors.ErrInvalidFrame, kind)
	}
	channelID, err := ChannelID(b)
	if err != nil {
		return "", nil, err
	}

	r := reader{buf: b[HeaderSize:]}
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.buf)) {
		return "", nil, fmt.Errorf("%w: ack count %d exceeds body", errors.ErrInvalidFrame, n)
	}
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		ids = append(ids, r.uvarint())
	}
	if r.err != nil {
		return "", nil, r.err
	}
	return channelID, ids, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = fmt.Errorf("%w: truncated varint", errors.ErrInvalidFrame)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: record of %d bytes exceeds body", errors.ErrInvalidFrame, n)
		return nil
	}
	out := r.buf[:n:n]
	r.buf = r.buf[n:]
	return out
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
