// Package modbus implements the request/response frame codec for the
// downstream inverter link described in §4.4. The transport itself is an
// HTTP API (see internal/inverter); this package only builds and parses
// the hex-framed Modbus byte layout that rides inside the JSON body.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/ecowatt/gateway/internal/crc"
)

// Function codes used by the command/read paths.
const (
	FuncReadHoldingRegisters uint8 = 0x03
	FuncWriteSingleRegister  uint8 = 0x06
)

// BuildRequest serializes slave|function|startRegister|value (each register
// field big-endian) and appends the CRC-16 low byte first, high byte
// second, per §4.4. This is the frame encoded as upper-case hex at the
// JSON boundary by internal/inverter.
func BuildRequest(slave, function uint8, startRegister, value uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slave
	frame[1] = function
	binary.BigEndian.PutUint16(frame[2:4], startRegister)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return crc.Append(frame)
}

// Response is a validated, decoded Modbus response.
type Response struct {
	Slave       uint8
	Function    uint8
	IsException bool
	ExceptionCode uint8
	Registers   []uint16
}

// ErrInvalidResponse signals a response that failed structural validation
// (length, CRC, or shape) — see §4.11's InvalidResponse/CrcFailed kinds.
type ErrInvalidResponse struct {
	Reason string
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("modbus: invalid response: %s", e.Reason)
}

// ErrException signals a Modbus exception response (function code with the
// high bit set), carrying the exception code per §4.4 step 3.
type ErrException struct {
	Code uint8
}

func (e *ErrException) Error() string {
	return fmt.Sprintf("modbus: exception response, code 0x%02X", e.Code)
}

// ParseResponse validates and decodes a raw response frame: minimum length,
// CRC-16 over all but the trailing two bytes, exception-bit check, and
// (for non-exception frames) register decode per §4.4 step "Register
// decode".
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < 5 {
		return nil, &ErrInvalidResponse{Reason: fmt.Sprintf("frame too short: %d bytes", len(frame))}
	}
	if !crc.Verify(frame) {
		return nil, &ErrInvalidResponse{Reason: "crc mismatch"}
	}

	resp := &Response{
		Slave:    frame[0],
		Function: frame[1],
	}

	if resp.Function&0x80 != 0 {
		resp.IsException = true
		resp.ExceptionCode = frame[2]
		return resp, &ErrException{Code: frame[2]}
	}

	switch resp.Function {
	case FuncReadHoldingRegisters:
		byteCount := int(frame[2])
		if 3+byteCount+2 > len(frame) {
			return nil, &ErrInvalidResponse{Reason: "byte count exceeds frame length"}
		}
		if byteCount%2 != 0 {
			return nil, &ErrInvalidResponse{Reason: "odd register byte count"}
		}
		regCount := byteCount / 2
		resp.Registers = make([]uint16, regCount)
		for i := 0; i < regCount; i++ {
			off := 3 + i*2
			resp.Registers[i] = binary.BigEndian.Uint16(frame[off : off+2])
		}
	case FuncWriteSingleRegister:
		if len(frame) < 8 {
			return nil, &ErrInvalidResponse{Reason: "write-register echo too short"}
		}
		resp.Registers = []uint16{binary.BigEndian.Uint16(frame[4:6])}
	default:
		return nil, &ErrInvalidResponse{Reason: fmt.Sprintf("unsupported function code 0x%02X", resp.Function)}
	}

	return resp, nil
}
