// Package gateway is the single owning context of the EcoWatt core
// (§9's "global mutable state -> owning context" guidance): it holds the
// scheduler, sample buffer, config manager, nonce manager, FOTA engine,
// and the two HTTP clients, and wires the scheduler's tasks to their
// handler closures.
package gateway

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"net/http"
	"time"

	"github.com/ecowatt/gateway/internal/cloud"
	"github.com/ecowatt/gateway/internal/command"
	"github.com/ecowatt/gateway/internal/compress"
	"github.com/ecowatt/gateway/internal/config"
	"github.com/ecowatt/gateway/internal/demux"
	"github.com/ecowatt/gateway/internal/fota"
	"github.com/ecowatt/gateway/internal/inverter"
	"github.com/ecowatt/gateway/internal/modbus"
	"github.com/ecowatt/gateway/internal/nonce"
	"github.com/ecowatt/gateway/internal/retry"
	"github.com/ecowatt/gateway/internal/samplebuf"
	"github.com/ecowatt/gateway/internal/scheduler"
	"github.com/ecowatt/gateway/internal/store"
	"github.com/ecowatt/gateway/internal/telemetry"
)

// Gateway wires every subsystem through one struct, the way
// coordinator.Coordinator is the hub every teacher subsystem is reached
// through.
type Gateway struct {
	store     store.Store
	configs   *config.Manager
	nonces    *nonce.Manager
	commands  *command.Handler
	fotaMgr   *fota.Manager
	scheduler *scheduler.Scheduler
	buffer    *samplebuf.Buffer
	pipeline  *telemetry.Pipeline
	demux     *demux.Demux
	inverter  inverter.Client
	cloud     cloud.Client
	power     scheduler.PowerManager
	log       *slog.Logger
}

// healthCheckInterval is the HEALTH_CHECK_INTERVAL_MS cadence of §4.11.
const healthCheckInterval = time.Minute

// errorStaleAfter is the §4.11 window after which consecutive-error
// counters reset if no new error has landed.
const errorStaleAfter = 5 * time.Minute

// Options bundles the values main.go assembles from configuration.
type Options struct {
	Store           store.Store
	Inverter        inverter.Client
	Cloud           cloud.Client
	FirmwareHTTP    *http.Client
	UploadPSK       string
	ManifestKey     *ecdsa.PublicKey
	FotaLogPath     string
	FotaBootSlot    fota.SlotFactory
	FirmwareVersion string
	BufferPolicy    samplebuf.FullPolicy
	Watchdog        scheduler.Watchdog
	PowerManager    scheduler.PowerManager
	Log             *slog.Logger
}

// New assembles a Gateway and registers its scheduler tasks.
func New(opts Options) (*Gateway, error) {
	log := opts.Log
	configs := config.New(opts.Store, config.DefaultRegisterTable, log)
	nonces, err := nonce.New(opts.Store)
	if err != nil {
		return nil, err
	}
	commands := command.New(config.DefaultRegisterTable, opts.Inverter)
	fotaMgr := fota.New(opts.Store, &fota.HTTPFetcher{Client: opts.FirmwareHTTP}, opts.FotaBootSlot, opts.FotaLogPath, opts.ManifestKey, opts.Cloud, log)
	pipeline := telemetry.New(opts.UploadPSK, nonces, opts.Cloud)
	dmx := demux.New(commands, configs, fotaMgr, opts.Cloud, opts.FirmwareVersion, log)

	active, err := configs.Active(context.Background())
	if err != nil {
		return nil, err
	}
	buf := samplebuf.New(
		samplebuf.Capacity(active.UploadIntervalMS, active.SamplingIntervalMS),
		active.RegisterCount(),
		opts.BufferPolicy,
	)

	g := &Gateway{
		store:     opts.Store,
		configs:   configs,
		nonces:    nonces,
		commands:  commands,
		fotaMgr:   fotaMgr,
		buffer:    buf,
		pipeline:  pipeline,
		demux:     dmx,
		inverter:  opts.Inverter,
		cloud:     opts.Cloud,
		power:     opts.PowerManager,
		log:       log.With("component", "gateway"),
	}

	g.scheduler = scheduler.New(opts.Watchdog, opts.PowerManager, log)
	g.registerTasks(active)
	return g, nil
}

func (g *Gateway) registerTasks(active config.RuntimeConfig) {
	g.scheduler.Register(scheduler.ReadRegisters, time.Duration(active.SamplingIntervalMS)*time.Millisecond, true, g.readRegisters)
	g.scheduler.Register(scheduler.UploadData, time.Duration(active.UploadIntervalMS)*time.Millisecond, true, g.uploadCycle)
	g.scheduler.Register(scheduler.WriteRegister, time.Duration(active.UploadIntervalMS)*time.Millisecond, false, g.writeRegisterNoop)
	g.scheduler.Register(scheduler.CommandResult, time.Duration(active.UploadIntervalMS)*time.Millisecond, false, g.postCommandResult)
	g.scheduler.Register(scheduler.HealthCheck, healthCheckInterval, true, g.healthCheck)
}

// Scheduler exposes the dispatcher for main.go's run loop.
func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.scheduler }

// readRegisters is the ReadRegisters task body: poll the inverter, decode,
// append a sample.
func (g *Gateway) readRegisters(now time.Time) {
	ctx := context.Background()
	active, err := g.configs.Active(ctx)
	if err != nil {
		g.log.Error("active config unavailable", "err", err)
		return
	}

	values := make([]uint16, 0, active.RegisterCount())
	for _, name := range active.ActiveRegisters {
		address := config.DefaultRegisterTable[name]
		frame := modbus.BuildRequest(active.SlaveAddress, modbus.FuncReadHoldingRegisters, address, 1)
		raw, err := g.inverter.Read(ctx, frame)
		if err != nil {
			g.log.Warn("register read failed", "register", name, "err", err)
			return
		}
		resp, err := modbus.ParseResponse(raw)
		if err != nil || len(resp.Registers) == 0 {
			g.log.Warn("register response invalid", "register", name, "err", err)
			return
		}
		values = append(values, resp.Registers[0])
	}

	if err := g.buffer.Write(compress.Reading(values)); err != nil {
		g.log.Info("sample dropped", "err", err)
	}
}

// uploadCycle is the UploadData task body, per §4.5/§4.6/§9's fixed
// ordering: freeze buffer -> compress -> encrypt -> POST -> process ACK
// (command already synchronous inside demux.Process; config-ack ->
// promote -> FOTA) -> clear buffer -> release lock.
func (g *Gateway) uploadCycle(now time.Time) {
	ctx := context.Background()
	active, err := g.configs.Active(ctx)
	if err != nil {
		g.log.Error("active config unavailable", "err", err)
		return
	}

	readings, count := g.buffer.Lock()
	if count == 0 {
		g.buffer.Unlock()
		return
	}

	frame, err := compress.CompressWithAggregation(readings, active.RegisterCount())
	if err != nil {
		g.log.Error("compression failed", "err", err)
		g.buffer.Unlock()
		return
	}
	method := telemetry.MethodRaw
	if frame.Aggregated {
		method = telemetry.MethodAggregated
	}

	resp, err := g.pipeline.Upload(ctx, frame.Bytes(), method)
	if err != nil {
		g.log.Error("telemetry upload failed", "err", retryKind(err))
		g.buffer.Unlock()
		return
	}

	outcome, err := g.demux.Process(ctx, resp, active.SlaveAddress, now)
	if err != nil {
		g.log.Error("process upload ack failed", "err", err)
		g.buffer.Unlock()
		return
	}

	if _, ok := g.commands.LastResult(); ok {
		g.scheduler.SetEnabled(scheduler.CommandResult, true)
	}

	if !outcome.Success {
		g.buffer.Unlock()
		return
	}

	// A promoted interval change resizes (and so zeros) the buffer; Clear
	// still runs in both cases because it is what releases upload_lock.
	g.applyPromotedIntervals(ctx, active)
	g.buffer.Clear()

	if outcome.FotaTriggered && outcome.FotaResult != nil && outcome.FotaResult.Success {
		g.log.Info("fota succeeded, device should reboot")
	}
}

// applyPromotedIntervals re-derives the scheduler's task intervals and the
// sample buffer's capacity from the active config after a promotion, per
// §4.1 ("ReadRegisters.interval = sampling_interval_ms", refreshed at the
// top of the dispatch loop) and §4.2 ("Capacity is recomputed whenever
// either timing interval changes"). It reports whether anything changed.
func (g *Gateway) applyPromotedIntervals(ctx context.Context, previous config.RuntimeConfig) bool {
	current, err := g.configs.Active(ctx)
	if err != nil {
		g.log.Error("active config unavailable after promote", "err", err)
		return false
	}
	if current.SamplingIntervalMS == previous.SamplingIntervalMS && current.UploadIntervalMS == previous.UploadIntervalMS {
		return false
	}

	g.scheduler.SetInterval(scheduler.ReadRegisters, time.Duration(current.SamplingIntervalMS)*time.Millisecond)
	g.scheduler.SetInterval(scheduler.UploadData, time.Duration(current.UploadIntervalMS)*time.Millisecond)
	g.scheduler.SetInterval(scheduler.WriteRegister, time.Duration(current.UploadIntervalMS)*time.Millisecond)
	g.scheduler.SetInterval(scheduler.CommandResult, time.Duration(current.UploadIntervalMS)*time.Millisecond)
	g.buffer.Resize(samplebuf.Capacity(current.UploadIntervalMS, current.SamplingIntervalMS), current.RegisterCount())
	g.log.Info("config intervals promoted", "sampling_ms", current.SamplingIntervalMS, "upload_ms", current.UploadIntervalMS)
	return true
}

// writeRegisterNoop exists for scheduler table completeness; write
// commands execute synchronously inside the upload cycle's demux.Process
// call per §4.6/§9, so this task is never enabled in practice but keeps
// the fixed four-task table shape of §4.1.
func (g *Gateway) writeRegisterNoop(now time.Time) {}

// postCommandResult is the CommandResult task body: POST the stored
// result and disable itself (§4.7).
func (g *Gateway) postCommandResult(now time.Time) {
	result, ok := g.commands.LastResult()
	if !ok {
		g.scheduler.SetEnabled(scheduler.CommandResult, false)
		return
	}
	payload := cloud.CommandResultPayload{
		Status:       string(result.Outcome),
		ExecutedAt:   result.ExecutedAt,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
	}
	if err := g.cloud.PostCommandResult(context.Background(), payload); err != nil {
		g.log.Error("post command result failed", "err", err)
	}
	g.commands.ClearLastResult()
	g.scheduler.SetEnabled(scheduler.CommandResult, false)
}

// healthCheck is the §4.11 maintenance task: re-verify network association
// and reset any subsystem's stale consecutive-error counter.
func (g *Gateway) healthCheck(now time.Time) {
	if g.power != nil {
		if err := g.power.Reassociate(); err != nil {
			g.log.Warn("network re-association check failed", "err", err)
		}
	}
	g.pipeline.Policy().HealthCheck(now, errorStaleAfter)
	g.commands.Policy().HealthCheck(now, errorStaleAfter)
	g.fotaMgr.Policy().HealthCheck(now, errorStaleAfter)
}

func retryKind(err error) string {
	if rerr, ok := err.(*retry.Error); ok {
		return rerr.Kind.String()
	}
	return err.Error()
}
