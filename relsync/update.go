// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// WorkerRegistration is the boundary to the installed background worker: an
// update check, an activate call, and the "new version installed and waiting"
// event.
type WorkerRegistration interface {
	// CheckForUpdate asks the worker to look for a newly deployed version.
	// Fire-and-forget from the controller's point of view.
	CheckForUpdate(ctx context.Context) error
	// ActivateWaiting promotes the waiting version so the next reload runs it.
	ActivateWaiting(ctx context.Context) error
	// OnWaiting registers the installed-and-waiting event handler.
	OnWaiting(fn func(buildID string))
}

// ErrNoUpdateReady is returned by Apply when no update is in the Ready state.
var ErrNoUpdateReady = errors.New("no update is ready to apply")

// UpdateController drives the update lifecycle:
//
//	Idle -> InstalledWaiting -> Ready -> Applying -> (reload, Idle)
//
// The persisted PwaUpdateStatus is shared across tabs; its Version token only
// advances when Ready transitions false->true or a genuinely newer build
// supersedes a pending one, so repeat worker signals never re-notify.
type UpdateController struct {
	records RecordStore
	claims  *claimRegistry
	logger  *slog.Logger
	now     func() time.Time

	httpClient     *http.Client
	metadataURL    string
	runningRelease string
	claimTTL       time.Duration

	track  func(ctx context.Context, event TelemetryEvent)
	toast  func(severity, message string)
	reload func()

	mu       sync.Mutex
	state    UpdateState
	status   PwaUpdateStatus
	notified string
	worker   WorkerRegistration
}

func newUpdateController(
	records RecordStore,
	claims *claimRegistry,
	httpClient *http.Client,
	metadataURL, runningRelease string,
	claimTTL time.Duration,
	logger *slog.Logger,
	now func() time.Time,
	track func(ctx context.Context, event TelemetryEvent),
	toast func(severity, message string),
	reload func(),
) *UpdateController {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	c := &UpdateController{
		records:        records,
		claims:         claims,
		logger:         logger,
		now:            now,
		httpClient:     httpClient,
		metadataURL:    metadataURL,
		runningRelease: runningRelease,
		claimTTL:       claimTTL,
		track:          track,
		toast:          toast,
		reload:         reload,
		state:          UpdateIdle,
	}
	if status, ok := c.loadStatus(context.Background()); ok && status.Ready {
		// Another tab already moved the shared status to ready; reflect it
		// without refetching or re-claiming the toast.
		c.status = status
		c.notified = status.BuildID
		c.state = UpdateReady
	}
	return c
}

// State returns the current lifecycle state.
func (c *UpdateController) State() UpdateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current persisted update descriptor.
func (c *UpdateController) Status() PwaUpdateStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Bind attaches the worker registration and performs the initial re-check.
func (c *UpdateController) Bind(ctx context.Context, reg WorkerRegistration) {
	c.mu.Lock()
	c.worker = reg
	c.mu.Unlock()
	reg.OnWaiting(func(buildID string) {
		c.HandleWaiting(ctx, buildID)
	})
	c.Recheck(ctx, "registration")
}

// HandleWaiting processes the worker's installed-and-waiting event. The first
// occurrence per build fetches release metadata (best-effort), persists the
// ready status with a strictly advancing version, broadcasts it through the
// shared store, and shows the toast in the one tab that wins the claim.
// Repeats for the same build are no-ops.
func (c *UpdateController) HandleWaiting(ctx context.Context, buildID string) {
	if buildID == "" {
		c.logger.Debug("ignoring waiting signal without build id")
		return
	}

	c.mu.Lock()
	if c.notified == buildID {
		c.mu.Unlock()
		return
	}
	superseding := c.status.Ready && c.status.BuildID != buildID
	c.notified = buildID
	c.state = UpdateInstalledWaiting
	prevVersion := c.status.Version
	c.mu.Unlock()

	if superseding {
		// The pending update is obsolete; free its toast claim so the new
		// one can be announced.
		c.claims.Release(ctx, ToastKeyUpdateAvailable)
	}

	meta := ResolveReleaseMetadata(ctx, c.httpClient, c.metadataURL, c.runningRelease, buildID, c.logger)

	c.mu.Lock()
	version := c.now().UnixMilli()
	if version <= prevVersion {
		version = prevVersion + 1
	}
	c.status = PwaUpdateStatus{
		Ready:       true,
		Version:     version,
		BuildID:     buildID,
		ReleaseName: meta.ReleaseName,
		Summary:     meta.Summary,
		Highlights:  meta.Highlights,
		PublishedAt: meta.PublishedAt,
	}
	c.state = UpdateReady
	c.persistLocked(ctx)
	summary := c.status.Summary
	c.mu.Unlock()

	c.logger.Info("update ready", "build", buildID, "version", version)
	if c.claims.Claim(ctx, ToastKeyUpdateAvailable, c.claimTTL) {
		c.toast(SeverityInfo, summary)
	}
}

// Apply activates the waiting worker and reloads. On activation failure the
// state stays Ready so the user can retry, and the failure is surfaced as an
// error toast because the user asked for it explicitly.
func (c *UpdateController) Apply(ctx context.Context) error {
	c.mu.Lock()
	if c.state != UpdateReady {
		c.mu.Unlock()
		return ErrNoUpdateReady
	}
	c.state = UpdateApplying
	worker := c.worker
	c.mu.Unlock()

	if worker == nil {
		c.mu.Lock()
		c.state = UpdateReady
		c.mu.Unlock()
		return errors.New("no worker registration bound")
	}
	if err := worker.ActivateWaiting(ctx); err != nil {
		c.mu.Lock()
		c.state = UpdateReady
		c.mu.Unlock()
		c.toast(SeverityError, "The update could not be applied. Please try again.")
		c.track(ctx, TelemetryEvent{
			Category:  "pwa",
			EventType: "update_activate_failed",
			Severity:  SeverityWarning,
			Status:    "failed",
			Message:   err.Error(),
		})
		return fmt.Errorf("activate waiting worker: %w", err)
	}

	c.mu.Lock()
	c.status = PwaUpdateStatus{}
	c.state = UpdateIdle
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("update applied, reloading")
	if c.reload != nil {
		c.reload()
	}
	return nil
}

// Clear resets the lifecycle when the underlying needs-refresh signal goes
// away (the reported version is already active).
func (c *UpdateController) Clear(ctx context.Context) {
	c.mu.Lock()
	c.status = PwaUpdateStatus{}
	c.state = UpdateIdle
	c.notified = ""
	c.persistLocked(ctx)
	c.mu.Unlock()
	c.claims.Release(ctx, ToastKeyUpdateAvailable)
}

// Recheck asks the worker to look for a new version. Fire-and-forget: a
// failed check becomes a warning telemetry event, never a UI error.
func (c *UpdateController) Recheck(ctx context.Context, trigger string) {
	c.mu.Lock()
	worker := c.worker
	c.mu.Unlock()
	if worker == nil {
		return
	}
	if err := worker.CheckForUpdate(ctx); err != nil {
		c.logger.Warn("update check failed", "trigger", trigger, "error", err)
		c.track(ctx, TelemetryEvent{
			Category:  "pwa",
			EventType: "update_check_failed",
			Feature:   trigger,
			Severity:  SeverityWarning,
			Status:    "failed",
			Message:   err.Error(),
		})
	}
}

// refreshFromStore adopts another tab's write to the shared status record.
func (c *UpdateController) refreshFromStore(ctx context.Context) {
	loaded, ok := c.loadStatus(ctx)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case loaded.Ready && (!c.status.Ready || loaded.Version > c.status.Version):
		// Adopt without re-claiming: the announcing tab owns the toast.
		c.status = loaded
		c.notified = loaded.BuildID
		c.state = UpdateReady
	case !loaded.Ready && c.status.Ready && c.state != UpdateApplying:
		c.status = loaded
		c.notified = ""
		c.state = UpdateIdle
	}
}

func (c *UpdateController) persistLocked(ctx context.Context) {
	encoded, err := json.Marshal(c.status)
	if err != nil {
		c.logger.Warn("encoding update status failed", "error", err)
		return
	}
	if err := c.records.SetRecord(ctx, RecordKeyUpdateStatus, encoded); err != nil {
		c.logger.Warn("persisting update status failed", "error", err)
	}
}

func (c *UpdateController) loadStatus(ctx context.Context) (PwaUpdateStatus, bool) {
	raw, ok, err := c.records.GetRecord(ctx, RecordKeyUpdateStatus)
	if err != nil || !ok {
		return PwaUpdateStatus{}, false
	}
	var status PwaUpdateStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		c.logger.Warn("discarding malformed update status record", "error", err)
		return PwaUpdateStatus{}, false
	}
	return status, true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
