package provider

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadAudioFile 读取离线兜底音频。支持 .pcm/.raw（16kHz 单声道 pcm16）、
// .wav（pcm16，读取头部采样率）与 .mp3（时长未知）。
func LoadAudioFile(path string) (Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Audio{}, fmt.Errorf("read audio file: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("audio file %s is empty", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		return pcmAudio(data, 16000, 1), nil
	case ".wav":
		return decodeWAV(data)
	case ".mp3":
		return Audio{Data: data, Format: "mp3"}, nil
	default:
		return Audio{}, fmt.Errorf("unsupported audio file extension %q", filepath.Ext(path))
	}
}

// decodeWAV 只处理 PCM 16bit，按 chunk 查找 fmt 与 data。
func decodeWAV(data []byte) (Audio, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return Audio{}, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		sampleRate int
		channels   int
		bits       int
	)
	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Audio{}, fmt.Errorf("wav fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return Audio{}, fmt.Errorf("wav format %d is not PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			if sampleRate == 0 {
				return Audio{}, fmt.Errorf("wav data chunk before fmt chunk")
			}
			if bits != 16 {
				return Audio{}, fmt.Errorf("wav sample size %d bits is not supported", bits)
			}
			return pcmAudio(data[body:body+size], sampleRate, channels), nil
		}
		// chunk 按偶数字节对齐
		pos = body + size + size%2
	}
	return Audio{}, fmt.Errorf("wav file has no data chunk")
}

func pcmAudio(pcm []byte, sampleRate, channels int) Audio {
	if channels <= 0 {
		channels = 1
	}
	bytesPerSecond := sampleRate * channels * 2
	return Audio{
		Data:       pcm,
		Format:     "pcm16",
		SampleRate: sampleRate,
		Duration:   time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSecond),
	}
}
