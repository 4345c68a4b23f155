package transport

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/roach88/peersync/internal/ir"
)

// maxBodyBytes bounds request and response bodies. A chunk of 500 records
// fits comfortably.
const maxBodyBytes = 64 << 20

func encode(v any, codec string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	switch codec {
	case "":
		return data, nil
	case ir.CapabilitySnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", codec)
	}
}

func decode(r io.Reader, codec string, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	switch codec {
	case "":
	case ir.CapabilitySnappy:
		if data, err = snappy.Decode(nil, data); err != nil {
			return fmt.Errorf("decompress body: %w", err)
		}
	default:
		return fmt.Errorf("unknown compression %q", codec)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
