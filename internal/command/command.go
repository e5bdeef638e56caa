// Package command implements the single-slot write-register command
// handler of §4.7: it validates, executes, and classifies the outcome of
// a cloud-issued write command, storing the result for the next
// CommandResult upload task.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ecowatt/gateway/internal/config"
	"github.com/ecowatt/gateway/internal/inverter"
	"github.com/ecowatt/gateway/internal/modbus"
	"github.com/ecowatt/gateway/internal/retry"
)

// Outcome enumerates the classification of §4.7.
type Outcome string

const (
	Success               Outcome = "Success"
	FailedInvalidValue    Outcome = "Failed - Invalid value"
	FailedException       Outcome = "Failed - Exception"
	FailedInvalidResponse Outcome = "Failed - Invalid response"
	FailedNoResponse      Outcome = "Failed - No response"
)

// Request is a pending write-register command. TargetRegister carries the
// wire's "target_register" exactly as received — an int-as-string register
// address (e.g. "8"), not a register name.
type Request struct {
	TargetRegister string
	Value          uint16
}

// Result is the stored outcome of the most recent command execution,
// ready for the next CommandResult task to POST and then disable itself.
type Result struct {
	Outcome      Outcome
	ExecutedAt   string // ISO-8601 local timestamp, per §4.7.
	ErrorCode    string
	ErrorMessage string
}

// ErrUnknownRegister is returned when TargetRegister does not parse as an
// integer, or parses to an address outside the register table's range.
var ErrUnknownRegister = errors.New("command: unknown target register")

// Handler owns the single pending/active command slot.
type Handler struct {
	table   map[string]uint16
	inv     inverter.Client
	policy  *retry.Policy
	pending *Request
	last    *Result
}

// New constructs a Handler bound to the register table and inverter
// transport.
func New(table map[string]uint16, inv inverter.Client) *Handler {
	return &Handler{table: table, inv: inv, policy: retry.DefaultPolicy()}
}

// Stage replaces the single pending slot with a new command, per §4.7's
// "a single-slot command store holds the most recent command."
func (h *Handler) Stage(req Request) {
	h.pending = &req
}

// HasPending reports whether a command is staged for execution.
func (h *Handler) HasPending() bool {
	return h.pending != nil
}

// Execute runs the staged command synchronously within the current upload
// cycle (§4.6/§9: "no deferral"), storing the classified Result for the
// next CommandResult task and clearing the pending slot.
func (h *Handler) Execute(ctx context.Context, slaveAddress uint8, now time.Time) Result {
	req := h.pending
	h.pending = nil
	result := h.execute(ctx, req, slaveAddress, now)
	h.last = &result
	return result
}

func (h *Handler) execute(ctx context.Context, req *Request, slaveAddress uint8, now time.Time) Result {
	timestamp := now.Format("2006-01-02T15:04:05")

	// target_register is an int-as-string register address on the wire
	// (the firmware's target_reg.toInt()), not a register name.
	parsed, err := strconv.ParseUint(req.TargetRegister, 10, 16)
	address := uint16(parsed)
	if err != nil || address >= uint16(len(h.table)) {
		return Result{Outcome: FailedInvalidValue, ExecutedAt: timestamp, ErrorMessage: ErrUnknownRegister.Error()}
	}
	if address == h.table[config.ExportPowerLimitRegister] && req.Value > 100 {
		return Result{Outcome: FailedInvalidValue, ExecutedAt: timestamp, ErrorMessage: "export power limit out of range [0,100]"}
	}

	frame := modbus.BuildRequest(slaveAddress, modbus.FuncWriteSingleRegister, address, req.Value)
	var raw []byte
	err = h.policy.Do(ctx, func(attempt int) error {
		r, err := h.inv.Write(ctx, frame)
		if err != nil {
			return err
		}
		raw = r
		return nil
	})
	if err != nil {
		return Result{Outcome: FailedNoResponse, ExecutedAt: timestamp, ErrorMessage: err.Error()}
	}

	_, err = modbus.ParseResponse(raw)
	if err != nil {
		var exc *modbus.ErrException
		if errors.As(err, &exc) {
			return Result{Outcome: FailedException, ExecutedAt: timestamp, ErrorCode: fmt.Sprintf("%d", exc.Code), ErrorMessage: err.Error()}
		}
		return Result{Outcome: FailedInvalidResponse, ExecutedAt: timestamp, ErrorMessage: err.Error()}
	}
	return Result{Outcome: Success, ExecutedAt: timestamp}
}

// LastResult returns the most recently executed command's result, if any.
func (h *Handler) LastResult() (Result, bool) {
	if h.last == nil {
		return Result{}, false
	}
	return *h.last, true
}

// ClearLastResult disables the CommandResult task after it has POSTed the
// stored result (§4.7: "then disables itself").
func (h *Handler) ClearLastResult() {
	h.last = nil
}

// Policy exposes the write-command retry policy for the scheduler's
// periodic health check (§4.11).
func (h *Handler) Policy() *retry.Policy { return h.policy }
