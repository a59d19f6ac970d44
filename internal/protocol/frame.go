package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FrameVersion 二进制音频帧协议版本
const FrameVersion = 0b0001

// MaxUtteranceIDLength 轮次标识最大长度（单字节长度前缀）
const MaxUtteranceIDLength = 255

// FrameKind 音频帧方向
type FrameKind uint8

const (
	// KindMic 设备麦克风采集的音频
	KindMic FrameKind = 0b0001
	// KindSpeaker 服务端下发的播放音频
	KindSpeaker FrameKind = 0b0010
)

// FrameFlags 帧标志位
type FrameFlags uint8

const (
	// FlagNone 普通帧
	FlagNone FrameFlags = 0b0000
	// FlagLast 当前轮次的最后一帧
	FlagLast FrameFlags = 0b0001
)

// FrameHeader 4字节帧头
type FrameHeader struct {
	Version    uint8      // 4 bits
	HeaderSize uint8      // 4 bits, 以4字节为单位
	Kind       FrameKind  // 4 bits
	Flags      FrameFlags // 4 bits
	Reserved   uint16
}

// Frame 二进制音频帧
type Frame struct {
	Kind        FrameKind
	Last        bool
	Sequence    uint32
	UtteranceID string
	Payload     []byte
}

// Encode 编码帧头为4字节
func (h FrameHeader) Encode() []byte {
	buf := make([]byte, 4)
	buf[0] = (h.Version << 4) | (h.HeaderSize & 0x0F)
	buf[1] = (uint8(h.Kind) << 4) | (uint8(h.Flags) & 0x0F)
	binary.BigEndian.PutUint16(buf[2:], h.Reserved)
	return buf
}

// DecodeFrameHeader 从4字节解码帧头
func DecodeFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < 4 {
		return FrameHeader{}, newError(CodeTruncatedFrame, fmt.Sprintf("frame header too short: got %d, need 4", len(data)))
	}

	h := FrameHeader{
		Version:    (data[0] >> 4) & 0x0F,
		HeaderSize: data[0] & 0x0F,
		Kind:       FrameKind((data[1] >> 4) & 0x0F),
		Flags:      FrameFlags(data[1] & 0x0F),
		Reserved:   binary.BigEndian.Uint16(data[2:4]),
	}

	if h.Version != FrameVersion {
		return FrameHeader{}, newFatalError(CodeUnsupportedVersion, fmt.Sprintf("unsupported frame version: %d", h.Version))
	}
	if h.HeaderSize < 1 {
		return FrameHeader{}, newError(CodeTruncatedFrame, "frame header size must be at least one word")
	}
	switch h.Kind {
	case KindMic, KindSpeaker:
	default:
		return FrameHeader{}, newError(CodeInvalidField, fmt.Sprintf("unknown frame kind: %d", h.Kind))
	}

	return h, nil
}

// EncodeFrame 编码完整音频帧
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("frame is nil")
	}
	if len(f.UtteranceID) == 0 || len(f.UtteranceID) > MaxUtteranceIDLength {
		return nil, fmt.Errorf("utterance id length must be 1..%d, got %d", MaxUtteranceIDLength, len(f.UtteranceID))
	}

	flags := FlagNone
	if f.Last {
		flags = FlagLast
	}
	header := FrameHeader{Version: FrameVersion, HeaderSize: 1, Kind: f.Kind, Flags: flags}

	buf := bytes.NewBuffer(make([]byte, 0, 4+4+1+len(f.UtteranceID)+4+len(f.Payload)))
	buf.Write(header.Encode())

	seq := make([]byte, 4)
	binary.BigEndian.PutUint32(seq, f.Sequence)
	buf.Write(seq)

	buf.WriteByte(uint8(len(f.UtteranceID)))
	buf.WriteString(f.UtteranceID)

	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(f.Payload)))
	buf.Write(size)
	buf.Write(f.Payload)

	return buf.Bytes(), nil
}

// DecodeFrame 解码完整音频帧
func DecodeFrame(data []byte) (*Frame, error) {
	header, err := DecodeFrameHeader(data)
	if err != nil {
		return nil, err
	}

	reader := bytes.NewReader(data[4:])

	// 跳过扩展头
	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, reader, int64(extra)); err != nil {
			return nil, newError(CodeTruncatedFrame, "failed to read extended header")
		}
	}

	frame := &Frame{Kind: header.Kind, Last: header.Flags&FlagLast == FlagLast}

	if err := binary.Read(reader, binary.BigEndian, &frame.Sequence); err != nil {
		return nil, newError(CodeTruncatedFrame, "failed to read sequence")
	}

	idLen, err := reader.ReadByte()
	if err != nil {
		return nil, newError(CodeTruncatedFrame, "failed to read utterance id length")
	}
	if idLen == 0 {
		return nil, newError(CodeMissingField, "utterance id is required")
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(reader, id); err != nil {
		return nil, newError(CodeTruncatedFrame, "failed to read utterance id")
	}
	frame.UtteranceID = string(id)

	var size uint32
	if err := binary.Read(reader, binary.BigEndian, &size); err != nil {
		return nil, newError(CodeTruncatedFrame, "failed to read payload size")
	}
	if int64(size) != int64(reader.Len()) {
		return nil, newError(CodeTruncatedFrame, fmt.Sprintf("payload size mismatch: header %d, remaining %d", size, reader.Len()))
	}
	if size > 0 {
		frame.Payload = make([]byte, size)
		if _, err := io.ReadFull(reader, frame.Payload); err != nil {
			return nil, newError(CodeTruncatedFrame, "failed to read payload")
		}
	}

	return frame, nil
}
