package speech

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Volcengine openspeech binary framing. Every packet starts with a 4 byte
// header: version|headerSize, type|flags, serialization|compression, reserved.
const (
	packetVersion    = 0b0001
	packetHeaderSize = 0b0001 // in 4 byte words
)

type packetType uint8

const (
	typeFullClientRequest  packetType = 0b0001
	typeAudioOnlyRequest   packetType = 0b0010
	typeFullServerResponse packetType = 0b1001
	typeAudioOnlyResponse  packetType = 0b1011
	typeServerError        packetType = 0b1111
)

type packetFlags uint8

const (
	flagNoSequence       packetFlags = 0b0000
	flagPositiveSequence packetFlags = 0b0001
	flagLastNoSequence   packetFlags = 0b0010
	flagNegativeSequence packetFlags = 0b0011
	flagWithEvent        packetFlags = 0b0100

	sequenceMask packetFlags = 0b0011
)

type serialization uint8

const (
	serializeNone serialization = 0b0000
	serializeJSON serialization = 0b0001
)

// Compression 负载压缩方式
type Compression uint8

const (
	CompressNone Compression = 0b0000
	CompressGzip Compression = 0b0001
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionStarted     eventType = 150
	eventSessionFinished    eventType = 152
	eventSessionFailed      eventType = 153
)

var errShortPacket = errors.New("speech packet truncated")

// packet 一个完整的二进制消息
type packet struct {
	Type          packetType
	Flags         packetFlags
	Serialization serialization
	Compression   Compression
	Sequence      int32
	Event         eventType
	SessionID     string
	ConnectID     string
	ErrorCode     uint32
	Payload       []byte
}

func (p *packet) hasSequence() bool {
	f := p.Flags & sequenceMask
	return f == flagPositiveSequence || f == flagNegativeSequence
}

func (p *packet) hasEvent() bool {
	return p.Flags&flagWithEvent != 0
}

func (p *packet) isLast() bool {
	f := p.Flags & sequenceMask
	return f == flagLastNoSequence || f == flagNegativeSequence
}

// 连接级事件不携带 session id
func (e eventType) hasSessionID() bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return false
	}
	return true
}

func (e eventType) hasConnectID() bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func (p *packet) marshal() []byte {
	buf := make([]byte, 4, 16+len(p.Payload))
	buf[0] = packetVersion<<4 | packetHeaderSize
	buf[1] = uint8(p.Type)<<4 | uint8(p.Flags)
	buf[2] = uint8(p.Serialization)<<4 | uint8(p.Compression)

	if p.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.Sequence))
	}
	if p.hasEvent() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.Event))
		if p.Event.hasSessionID() {
			buf = appendSized(buf, []byte(p.SessionID))
		}
		if p.Event.hasConnectID() {
			buf = appendSized(buf, []byte(p.ConnectID))
		}
	}
	if p.Type == typeServerError {
		buf = binary.BigEndian.AppendUint32(buf, p.ErrorCode)
	}
	return appendSized(buf, p.Payload)
}

func appendSized(buf, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

type packetReader struct {
	data []byte
	off  int
}

func (r *packetReader) uint32() (uint32, error) {
	if len(r.data)-r.off < 4 {
		return 0, errShortPacket
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *packetReader) sized() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.data)-r.off) < uint64(n) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", errShortPacket, n, len(r.data)-r.off)
	}
	out := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func unmarshalPacket(data []byte) (*packet, error) {
	if len(data) < 4 {
		return nil, errShortPacket
	}
	if version := data[0] >> 4; version != packetVersion {
		return nil, fmt.Errorf("unsupported speech protocol version: %d", version)
	}
	headerBytes := int(data[0]&0x0F) * 4
	if headerBytes < 4 || headerBytes > len(data) {
		return nil, errShortPacket
	}

	p := &packet{
		Type:          packetType(data[1] >> 4),
		Flags:         packetFlags(data[1] & 0x0F),
		Serialization: serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0F),
	}
	r := &packetReader{data: data, off: headerBytes}

	if p.hasSequence() {
		seq, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		p.Sequence = int32(seq)
	}
	if p.hasEvent() {
		ev, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		p.Event = eventType(int32(ev))
		if p.Event.hasSessionID() {
			id, err := r.sized()
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			p.SessionID = string(id)
		}
		if p.Event.hasConnectID() {
			id, err := r.sized()
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			p.ConnectID = string(id)
		}
	}
	if p.Type == typeServerError {
		code, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
		p.ErrorCode = code
	}

	payload, err := r.sized()
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	p.Payload = payload
	return p, nil
}

// decodedPayload 解压负载
func (p *packet) decodedPayload() ([]byte, error) {
	return Decompress(p.Payload, p.Compression)
}

func fullClientRequest(payload []byte, compression Compression) *packet {
	return &packet{
		Type:          typeFullClientRequest,
		Flags:         flagNoSequence,
		Serialization: serializeJSON,
		Compression:   compression,
		Payload:       payload,
	}
}

// audioRequest 构造音频包，最后一包使用负序号。
func audioRequest(chunk []byte, sequence int32, last bool, compression Compression) *packet {
	p := &packet{
		Type:          typeAudioOnlyRequest,
		Serialization: serializeNone,
		Compression:   compression,
		Sequence:      sequence,
		Payload:       chunk,
	}
	switch {
	case last && sequence != 0:
		p.Flags = flagNegativeSequence
		p.Sequence = -sequence
	case last:
		p.Flags = flagLastNoSequence
	case sequence > 0:
		p.Flags = flagPositiveSequence
	default:
		p.Flags = flagNoSequence
	}
	return p
}
