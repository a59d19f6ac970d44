package speech

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compress 按指定方式压缩负载
func Compress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case CompressNone:
		return data, nil
	case CompressGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}

// Decompress 按指定方式解压负载
func Decompress(data []byte, method Compression) ([]byte, error) {
	switch method {
	case CompressNone:
		return data, nil
	case CompressGzip:
		if len(data) == 0 {
			return nil, nil
		}
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
}
