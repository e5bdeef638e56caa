// Package demux implements the cloud response demultiplexer of §4.6: it
// parses a single upload ACK JSON document and drives, in order, command
// execution, config accept/reject/unchanged classification plus promotion,
// and FOTA invocation.
package demux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecowatt/gateway/internal/cloud"
	"github.com/ecowatt/gateway/internal/command"
	"github.com/ecowatt/gateway/internal/config"
	"github.com/ecowatt/gateway/internal/fota"
)

// Ack is the upload ACK JSON shape of §4.6.
type Ack struct {
	Status       string         `json:"status"`
	Command      *CommandSpec   `json:"command"`
	ConfigUpdate *ConfigSpec    `json:"config_update"`
	Fota         *fota.Manifest `json:"fota"`
	Error        string         `json:"error"`
}

// CommandSpec mirrors the `command` field of §4.6. TargetRegister is an
// int-as-string register address on the wire (e.g. "8"), per the
// firmware's target_reg.toInt() — not a register name.
type CommandSpec struct {
	Action         string `json:"action"`
	TargetRegister string `json:"target_register"`
	Value          int    `json:"value"`
}

// ConfigSpec mirrors the `config_update` field of §4.6 (seconds on the
// wire; the config manager works in milliseconds internally per §4.8).
type ConfigSpec struct {
	SamplingIntervalSec *uint32  `json:"sampling_interval,omitempty"`
	UploadIntervalSec   *uint32  `json:"upload_interval,omitempty"`
	SlaveAddress        *uint8   `json:"slave_address,omitempty"`
	Registers           []string `json:"registers,omitempty"`
}

// Outcome summarizes what the demultiplexer did with one ACK, for the
// caller (internal/gateway's upload cycle) to decide whether to clear
// the sample buffer.
type Outcome struct {
	Success       bool
	FotaTriggered bool
	FotaResult    *fota.Result
}

// Demux wires the command handler, config manager, and FOTA engine
// together.
type Demux struct {
	commands *command.Handler
	configs  *config.Manager
	fotaMgr  *fota.Manager
	cloud    cloud.Client
	version  string
	log      *slog.Logger
}

// New constructs a Demux.
func New(commands *command.Handler, configs *config.Manager, fotaMgr *fota.Manager, cloudClient cloud.Client, firmwareVersion string, log *slog.Logger) *Demux {
	return &Demux{
		commands: commands,
		configs:  configs,
		fotaMgr:  fotaMgr,
		cloud:    cloudClient,
		version:  firmwareVersion,
		log:      log.With("component", "demux"),
	}
}

// Process parses body as an Ack and drives the fixed cycle order of §4.6:
// config ack -> config promote -> FOTA attempt. Command staging/execution
// happens synchronously within the upload cycle per §4.6/§9, immediately
// on receipt, before this ordering begins.
func (d *Demux) Process(ctx context.Context, body []byte, slaveAddress uint8, now time.Time) (Outcome, error) {
	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return Outcome{}, fmt.Errorf("demux: decode ack: %w", err)
	}

	if ack.Command != nil {
		d.stageAndExecuteCommand(ctx, ack.Command, slaveAddress, now)
	}

	if ack.ConfigUpdate != nil {
		if err := d.processConfigUpdate(ctx, ack.ConfigUpdate); err != nil {
			d.log.Error("config update processing failed", "err", err)
		}
	}

	outcome := Outcome{Success: ack.Status == "success"}

	if ack.Fota != nil {
		if attempted, result := d.runFota(ctx, *ack.Fota); attempted {
			outcome.FotaTriggered = true
			outcome.FotaResult = &result
		}
	}

	return outcome, nil
}

func (d *Demux) stageAndExecuteCommand(ctx context.Context, spec *CommandSpec, slaveAddress uint8, now time.Time) {
	if spec.Action != "write_register" {
		d.log.Warn("unsupported command action", "action", spec.Action)
		return
	}
	d.commands.Stage(command.Request{
		TargetRegister: spec.TargetRegister,
		Value:          uint16(spec.Value),
	})
	result := d.commands.Execute(ctx, slaveAddress, now)
	d.log.Info("command executed", "register", spec.TargetRegister, "outcome", result.Outcome)
}

func (d *Demux) processConfigUpdate(ctx context.Context, spec *ConfigSpec) error {
	update := config.Update{Registers: spec.Registers}
	if spec.SamplingIntervalSec != nil {
		ms := *spec.SamplingIntervalSec * 1000
		update.SamplingIntervalMS = &ms
	}
	if spec.UploadIntervalSec != nil {
		ms := *spec.UploadIntervalSec * 1000
		update.UploadIntervalMS = &ms
	}
	update.SlaveAddress = spec.SlaveAddress

	classification, err := d.configs.ProcessUpdate(ctx, update)
	if err != nil {
		return fmt.Errorf("classify config update: %w", err)
	}
	if err := d.cloud.PostConfigAck(ctx, classification.Accepted, classification.Rejected, classification.Unchanged); err != nil {
		d.log.Error("config ack post failed", "err", err)
	}
	if err := d.configs.Promote(ctx); err != nil {
		return fmt.Errorf("promote config: %w", err)
	}
	return nil
}

func (d *Demux) runFota(ctx context.Context, manifest fota.Manifest) (attempted bool, result fota.Result) {
	shouldStart, err := d.fotaMgr.ShouldStart(manifest)
	if err != nil {
		d.log.Error("fota should-start check failed", "err", err)
		return true, fota.Result{Success: false, Reason: fota.ReasonWriteFailed}
	}
	if !shouldStart {
		return false, fota.Result{}
	}
	return true, d.fotaMgr.Run(ctx, manifest, d.version)
}
