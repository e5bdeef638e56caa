// Package fota implements the resumable firmware-over-the-air state
// machine of §4.9: manifest signature verification, chunked download with
// a streaming SHA-256 digest, two-slot commit, and a JSON event log that
// is finalized and uploaded on completion.
package fota

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ecowatt/gateway/internal/cloud"
	"github.com/ecowatt/gateway/internal/retry"
	"github.com/ecowatt/gateway/internal/store"
)

const (
	// ChunkSize is the fixed scoped download buffer size of §4.9/§5.
	ChunkSize = 4096
	// PersistEvery is the offset-persistence cadence of §4.9 ("every 100 KiB").
	PersistEvery = 100 * 1024
)

// Reason enumerates the terminal failure causes of §4.9.
type Reason string

const (
	ReasonSignatureInvalid Reason = "SignatureInvalid"
	ReasonWriteFailed      Reason = "WriteFailed"
	ReasonHTTPError        Reason = "HttpError"
	ReasonHashMismatch     Reason = "HashMismatch"
	ReasonOtaEndFailed     Reason = "OtaEndFailed"
	ReasonSetBootFailed    Reason = "SetBootFailed"
)

// Result is the outcome of a single Run, carrying the finalized event log
// that Run has already POSTed through the cloud client (when one is set).
type Result struct {
	Success bool
	Reason  Reason
	Log     FinalLog
}

// SlotFactory opens the BootSlot a job should write into; separated from
// Manager construction so tests can substitute an in-memory slot per run.
type SlotFactory func(jobID uint32) (BootSlot, error)

// Manager drives the FOTA state machine across Idle -> VerifyManifest ->
// BeginOta -> Download -> VerifyHash -> Commit -> Success/Failed.
type Manager struct {
	store     store.Store
	fetcher   Fetcher
	slots     SlotFactory
	logPath   string
	publicKey *ecdsa.PublicKey
	cloud     cloud.Client
	policy    *retry.Policy
	log       *slog.Logger
}

// New constructs a Manager. publicKey is the platform's pinned ECDSA P-256
// manifest-signing key. cloudClient may be nil in tests that don't exercise
// log upload.
func New(st store.Store, fetcher Fetcher, slots SlotFactory, logPath string, publicKey *ecdsa.PublicKey, cloudClient cloud.Client, log *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		fetcher:   fetcher,
		slots:     slots,
		logPath:   logPath,
		publicKey: publicKey,
		cloud:     cloudClient,
		policy:    retry.DefaultPolicy(),
		log:       log.With("component", "fota"),
	}
}

// Policy exposes the firmware-fetch retry policy for the scheduler's
// periodic health check (§4.11).
func (m *Manager) Policy() *retry.Policy { return m.policy }

// ShouldStart reports whether the manifest should trigger a job, per §4.9
// step 1: a newer job_id, or a persisted partial download of the same job.
func (m *Manager) ShouldStart(manifest Manifest) (bool, error) {
	persisted, err := m.loadState()
	if err != nil {
		return false, err
	}
	if manifest.JobID > persisted.JobID {
		return true, nil
	}
	return manifest.JobID == persisted.JobID && persisted.Offset > 0, nil
}

func (m *Manager) loadState() (*store.FotaState, error) {
	st, err := m.store.LoadFotaState()
	if err != nil {
		if isNotFound(err) {
			return &store.FotaState{}, nil
		}
		return nil, fmt.Errorf("load fota state: %w", err)
	}
	return st, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// Run executes a full job attempt, resuming from the persisted offset if
// one exists for this job_id.
func (m *Manager) Run(ctx context.Context, manifest Manifest, fromVersion string) Result {
	start := time.Now()
	elog, err := NewEventLog(m.logPath, manifest.JobID, start)
	if err != nil {
		m.log.Error("open event log failed", "err", err)
		return Result{Success: false, Reason: ReasonWriteFailed}
	}
	elog.Append("INFO", "FOTA_START", map[string]any{
		"job":  manifest.JobID,
		"from": fromVersion,
		"to":   manifest.TargetVersion(),
	})

	reason, err := m.runStateMachine(ctx, manifest, elog)
	if err != nil {
		m.log.Error("fota job failed", "job", manifest.JobID, "reason", reason, "err", err)
		elog.Append("ERROR", "FOTA_FAIL", map[string]any{"reason": string(reason)})
		if reason == ReasonHashMismatch || reason == ReasonSignatureInvalid {
			m.store.SaveFotaState(&store.FotaState{JobID: manifest.JobID, Offset: 0})
		}
		final := elog.Build("FAILURE", time.Now())
		m.uploadAndRemoveLog(ctx, elog, final)
		return Result{Success: false, Reason: reason, Log: final}
	}

	elog.Append("INFO", "FOTA_SUCCESS", nil)
	if err := m.store.SaveFotaState(&store.FotaState{JobID: manifest.JobID, Offset: 0}); err != nil {
		m.log.Error("reset fota offset failed", "err", err)
	}
	final := elog.Build("SUCCESS", time.Now())
	m.uploadAndRemoveLog(ctx, elog, final)
	return Result{Success: true, Log: final}
}

// uploadAndRemoveLog POSTs the finalized log to the cloud log endpoint and
// only then removes the local file, per §4.9 step 7: "POSTs to the log
// endpoint, then removes the local log file." A failed POST still removes
// the file — the returned Result.Log carries the same payload for the
// caller to retry delivery through another channel if it cares to.
func (m *Manager) uploadAndRemoveLog(ctx context.Context, elog *EventLog, final FinalLog) {
	if m.cloud != nil {
		if err := m.cloud.PostFotaLog(ctx, final); err != nil {
			m.log.Error("post fota log failed", "job", final.JobID, "err", err)
		}
	}
	if err := elog.Remove(); err != nil {
		m.log.Error("remove local fota log failed", "err", err)
	}
}

func (m *Manager) runStateMachine(ctx context.Context, manifest Manifest, elog *EventLog) (Reason, error) {
	// VerifyManifest
	ok, err := VerifySignature(manifest, m.publicKey)
	if err != nil {
		return ReasonSignatureInvalid, fmt.Errorf("manifest signature invalid: %w", err)
	}
	if !ok {
		return ReasonSignatureInvalid, errors.New("manifest signature invalid")
	}

	// BeginOta
	persisted, err := m.loadState()
	if err != nil {
		return ReasonWriteFailed, err
	}
	offset := int64(0)
	if persisted.JobID == manifest.JobID {
		offset = int64(persisted.Offset)
	}
	slot, err := m.slots(manifest.JobID)
	if err != nil {
		return ReasonWriteFailed, fmt.Errorf("open boot slot: %w", err)
	}

	// Download
	digest := sha256.New()
	if offset > 0 {
		// the digest must cover bytes already written in a prior attempt;
		// since those bytes are gone from memory, a resumed attempt re-reads
		// them from the slot before continuing the live stream.
		if err := rehashPrefix(slot, offset, digest); err != nil {
			return ReasonWriteFailed, fmt.Errorf("rehash resumed prefix: %w", err)
		}
	}

	var body io.ReadCloser
	err = m.policy.Do(ctx, func(attempt int) error {
		b, err := m.fetcher.FetchRange(ctx, manifest.FwURL, offset)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return ReasonHTTPError, fmt.Errorf("fetch firmware: %w", err)
	}
	defer body.Close()

	if err := m.downloadLoop(ctx, body, slot, digest, manifest.JobID, &offset); err != nil {
		return ReasonWriteFailed, err
	}

	// VerifyHash
	got := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(got, manifest.ShaExpected) {
		return ReasonHashMismatch, fmt.Errorf("sha mismatch: got %s want %s", got, manifest.ShaExpected)
	}

	// Commit
	if err := slot.End(); err != nil {
		return ReasonOtaEndFailed, fmt.Errorf("end ota: %w", err)
	}
	if err := slot.SetBoot(); err != nil {
		return ReasonSetBootFailed, fmt.Errorf("set boot: %w", err)
	}

	return "", nil
}

// downloadLoop reads fixed-size chunks from body, writing each to the slot
// and folding it into the streaming digest via an errgroup pair, and
// persists the offset every PersistEvery bytes.
func (m *Manager) downloadLoop(ctx context.Context, body io.Reader, slot BootSlot, digest io.Writer, jobID uint32, offset *int64) error {
	buf := make([]byte, ChunkSize)
	sinceFlush := int64(0)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			at := *offset

			g, _ := errgroup.WithContext(ctx)
			g.Go(func() error { return slot.WriteAt(at, chunk) })
			g.Go(func() error {
				_, err := digest.Write(chunk)
				return err
			})
			if err := g.Wait(); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}

			*offset += int64(n)
			sinceFlush += int64(n)
			if sinceFlush >= PersistEvery {
				if err := m.store.SaveFotaState(&store.FotaState{JobID: jobID, Offset: uint32(*offset)}); err != nil {
					return fmt.Errorf("persist offset: %w", err)
				}
				sinceFlush = 0
			}
		}
		if readErr == io.EOF {
			return m.store.SaveFotaState(&store.FotaState{JobID: jobID, Offset: uint32(*offset)})
		}
		if readErr != nil {
			return fmt.Errorf("read firmware stream: %w", readErr)
		}
	}
}

// rehashPrefix is a placeholder seam: a real BootSlot exposes a ReaderAt
// for resumed-attempt rehashing. FileBootSlot satisfies it; other
// implementations may choose to persist the digest state itself instead.
func rehashPrefix(slot BootSlot, length int64, digest io.Writer) error {
	reader, ok := slot.(interface {
		ReadAt(p []byte, off int64) (int, error)
	})
	if !ok {
		return nil
	}
	buf := make([]byte, ChunkSize)
	var read int64
	for read < length {
		want := length - read
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := reader.ReadAt(buf[:want], read)
		if n > 0 {
			digest.Write(buf[:n])
			read += int64(n)
		}
		if err != nil && err != io.EOF {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}
