// Package compress implements the per-register delta+run-length encoder
// and the averaging aggregation fallback described in §4.3.
package compress

import (
	"encoding/binary"
	"fmt"
)

// Limits mirror the firmware's fixed scratch-area and payload budgets.
const (
	// MaxCompressionSize bounds the running length of a single compression
	// attempt's payload; exceeding it aborts the attempt (§4.3).
	MaxCompressionSize = 4096
	// MaxCompressionRetries is the number of compression attempts allowed
	// before giving up with ErrCompressionFailed.
	MaxCompressionRetries = 3
	// MaxPayloadSize is the compressed-frame size above which the
	// aggregation fallback kicks in (§4.3).
	MaxPayloadSize = 256
	// AggWindow is the number of consecutive samples averaged into one
	// aggregated sample (§4.3, §8 S6).
	AggWindow = 10
)

// ErrCompressionFailed is returned when MaxCompressionRetries attempts all
// exceed MaxCompressionSize.
type ErrCompressionFailed struct {
	Attempts int
}

func (e *ErrCompressionFailed) Error() string {
	return fmt.Sprintf("compress: compression failed after %d attempts", e.Attempts)
}

// Reading is a fixed-width vector of register values (RegisterReading).
type Reading []uint16

// Frame is a CompressedFrame: the 5-byte header followed by the per-register
// delta+RLE payload (§3).
type Frame struct {
	Count       uint16 // number of readings encoded
	RegisterCount uint8
	Payload     []byte

	// Aggregated is true when the aggregation fallback was used (method
	// flag 0x01 on the wire per §4.3); false means raw (flag 0x00).
	Aggregated bool
}

// Bytes serializes the frame to its on-wire form: the 5-byte header
// [count_hi, count_lo, reg_count, len_hi, len_lo] followed by the payload.
func (f *Frame) Bytes() []byte {
	out := make([]byte, 5+len(f.Payload))
	binary.BigEndian.PutUint16(out[0:2], f.Count)
	out[2] = f.RegisterCount
	binary.BigEndian.PutUint16(out[3:5], uint16(len(f.Payload)))
	copy(out[5:], f.Payload)
	return out
}

// Compress encodes readings (each of length regCount) with the per-register
// delta+RLE scheme of §4.3. If the encoded payload would exceed
// MaxCompressionSize, it returns ErrCompressionFailed after
// MaxCompressionRetries identical attempts (the encoding is deterministic,
// so retries exist only to match the firmware's retry-budget shape).
func Compress(readings []Reading, regCount int) (*Frame, error) {
	var lastErr error
	for attempt := 0; attempt < MaxCompressionRetries; attempt++ {
		payload, err := compressOnce(readings, regCount)
		if err == nil {
			return &Frame{
				Count:         uint16(len(readings)),
				RegisterCount: uint8(regCount),
				Payload:       payload,
			}, nil
		}
		lastErr = err
	}
	_ = lastErr
	return nil, &ErrCompressionFailed{Attempts: MaxCompressionRetries}
}

func compressOnce(readings []Reading, regCount int) ([]byte, error) {
	var out []byte
	for reg := 0; reg < regCount; reg++ {
		stream, err := compressRegisterStream(readings, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, stream...)
		if len(out) > MaxCompressionSize {
			return nil, fmt.Errorf("compress: payload exceeds %d bytes", MaxCompressionSize)
		}
	}
	return out, nil
}

// compressRegisterStream encodes one register's series of values across all
// readings: first value as two raw bytes, then delta+RLE for the rest.
func compressRegisterStream(readings []Reading, reg int) ([]byte, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	var out []byte
	first := readings[0][reg]
	out = append(out, byte(first>>8), byte(first&0xFF))

	prev := first
	runLen := 0

	flushRun := func() {
		for runLen > 0 {
			n := runLen
			if n > 255 {
				n = 255
			}
			out = append(out, 0x00, byte(n))
			runLen -= n
		}
	}

	for i := 1; i < len(readings); i++ {
		cur := readings[i][reg]
		delta := int16(cur - prev) // wraps silently, per §4.3
		prev = cur

		if delta == 0 {
			runLen++
			if runLen == 255 {
				out = append(out, 0x00, 255)
				runLen = 0
			}
			continue
		}

		flushRun()
		out = append(out, 0x01, byte(uint16(delta)>>8), byte(uint16(delta)&0xFF))

		if len(out) > MaxCompressionSize {
			return nil, fmt.Errorf("compress: payload exceeds %d bytes", MaxCompressionSize)
		}
	}
	flushRun()

	return out, nil
}

// Decompress inverts Compress for raw (non-aggregated) frames, reconstructing
// the original readings. This is the round-trip oracle required by §8.
func Decompress(payload []byte, regCount int, count int) ([]Reading, error) {
	readings := make([]Reading, count)
	for i := range readings {
		readings[i] = make(Reading, regCount)
	}

	pos := 0
	for reg := 0; reg < regCount; reg++ {
		if pos+2 > len(payload) {
			return nil, fmt.Errorf("compress: truncated stream for register %d", reg)
		}
		cur := uint16(payload[pos])<<8 | uint16(payload[pos+1])
		pos += 2
		if count > 0 {
			readings[0][reg] = cur
		}

		idx := 1
		for idx < count {
			if pos+2 > len(payload) {
				return nil, fmt.Errorf("compress: truncated stream for register %d at sample %d", reg, idx)
			}
			flag := payload[pos]
			switch flag {
			case 0x00:
				runLen := int(payload[pos+1])
				pos += 2
				for j := 0; j < runLen && idx < count; j++ {
					readings[idx][reg] = cur
					idx++
				}
			case 0x01:
				if pos+3 > len(payload) {
					return nil, fmt.Errorf("compress: truncated delta for register %d at sample %d", reg, idx)
				}
				delta := int16(uint16(payload[pos+1])<<8 | uint16(payload[pos+2]))
				pos += 3
				cur = cur + uint16(delta)
				readings[idx][reg] = cur
				idx++
			default:
				return nil, fmt.Errorf("compress: unknown flag byte 0x%02X", flag)
			}
		}
	}

	return readings, nil
}

// Aggregate reduces readings to ceil(len(readings)/AggWindow) samples, each
// register being the floor of the arithmetic mean of the values falling in
// that window (§4.3, §8 S6).
func Aggregate(readings []Reading, regCount int) []Reading {
	if len(readings) == 0 {
		return nil
	}
	windows := (len(readings) + AggWindow - 1) / AggWindow
	out := make([]Reading, windows)

	for w := 0; w < windows; w++ {
		start := w * AggWindow
		end := start + AggWindow
		if end > len(readings) {
			end = len(readings)
		}
		n := end - start

		sums := make([]uint32, regCount)
		for i := start; i < end; i++ {
			for reg := 0; reg < regCount; reg++ {
				sums[reg] += uint32(readings[i][reg])
			}
		}

		avg := make(Reading, regCount)
		for reg := 0; reg < regCount; reg++ {
			avg[reg] = uint16(sums[reg] / uint32(n))
		}
		out[w] = avg
	}

	return out
}

// CompressWithAggregation runs Compress on readings, falling back to
// Aggregate+Compress when the raw result exceeds MaxPayloadSize (§4.3).
// The returned Frame's Aggregated field selects the on-wire method flag.
func CompressWithAggregation(readings []Reading, regCount int) (*Frame, error) {
	raw, err := Compress(readings, regCount)
	if err != nil {
		return nil, err
	}
	if len(raw.Bytes()) <= MaxPayloadSize {
		return raw, nil
	}

	aggregated := Aggregate(readings, regCount)
	frame, err := Compress(aggregated, regCount)
	if err != nil {
		return nil, err
	}
	frame.Aggregated = true
	return frame, nil
}
