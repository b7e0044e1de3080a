package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/provision"
	"github.com/incant-go/incant/internal/spec"
)

// SharedFolderPath is where the project root is mounted inside instances.
const SharedFolderPath = "/incant"

// LifecycleState is where an instance stands from the controller's view.
type LifecycleState string

const (
	StateAbsent      LifecycleState = "absent"
	StateCreated     LifecycleState = "created"
	StateRunning     LifecycleState = "running"
	StateProvisioned LifecycleState = "provisioned"
	StateDestroyed   LifecycleState = "destroyed"
)

// Readiness bounds the wait for a started instance to become usable.
type Readiness struct {
	Timeout  time.Duration
	Interval time.Duration
}

// ProvisionResult counts what EnsureProvisioned did.
type ProvisionResult struct {
	Applied int
	Skipped int
}

// RecordStoreFunc opens the provisioning record of one instance.
type RecordStoreFunc func(b backend.Backend, h backend.Handle) provision.RecordStore

// Controller drives a single instance through its lifecycle. It is used by
// one goroutine at a time.
type Controller struct {
	inst      spec.Instance
	root      string
	backend   backend.Backend
	handle    backend.Handle
	runner    *provision.Runner
	resolver  *provision.Resolver
	records   RecordStoreFunc
	readiness Readiness
	log       zerolog.Logger

	state  LifecycleState
	status backend.Status
}

// Observe refreshes the controller's view from the backend.
func (c *Controller) Observe(ctx context.Context) (LifecycleState, error) {
	st, err := c.backend.Status(ctx, c.handle)
	if err != nil {
		return c.state, &BackendError{Instance: c.inst.Name, Op: "status", Err: err}
	}
	c.status = st
	switch st.State {
	case backend.Absent:
		c.state = StateAbsent
	case backend.Stopped:
		c.state = StateCreated
	case backend.Running:
		if c.state != StateProvisioned {
			c.state = StateRunning
		}
	}
	return c.state, nil
}

func (c *Controller) State() LifecycleState { return c.state }

func (c *Controller) createRequest() backend.CreateRequest {
	req := backend.CreateRequest{
		Name:     c.inst.Name,
		Image:    c.inst.Image,
		VM:       c.inst.VM,
		Type:     c.inst.Hardware.Type,
		Devices:  c.inst.Hardware.Devices,
		Config:   c.inst.Config,
		Profiles: c.inst.Profiles,
		Network:  c.inst.Network,
	}
	if c.sharesFolder() {
		sf := c.sharedFolder()
		req.SharedFolder = &sf
	}
	return req
}

func (c *Controller) sharedFolder() backend.SharedFolder {
	return backend.SharedFolder{Source: c.root, Path: SharedFolderPath}
}

func (c *Controller) sharesFolder() bool {
	return c.inst.SharedFolder && c.root != "" && backend.SharesFolders(c.backend)
}

// EnsureUp creates and starts the instance as needed, then waits for it to
// become ready if the instance asks for that. Backend failures are not retried.
func (c *Controller) EnsureUp(ctx context.Context) error {
	state, err := c.Observe(ctx)
	if err != nil {
		return err
	}
	log := c.log.With().Str("instance", c.inst.Name).Logger()

	created := false
	if state == StateAbsent {
		log.Info().Str("image", c.inst.Image).Bool("vm", c.inst.VM).Msg("Creating instance")
		h, err := c.backend.Create(ctx, c.createRequest())
		if err != nil {
			return &BackendError{Instance: c.inst.Name, Op: "create", Err: err}
		}
		if h.Name != "" {
			c.handle = h
		}
		c.state = StateCreated
		created = true
	}
	if c.state == StateCreated {
		// A create that failed after the instance existed may have left it
		// without the shared folder.
		if m, ok := c.folderMounter(); ok && !created {
			if err := m.AttachSharedFolder(ctx, c.handle, c.sharedFolder()); err != nil {
				return &BackendError{Instance: c.inst.Name, Op: "attach shared folder", Err: err}
			}
		}
		log.Info().Msg("Starting instance")
		if err := c.backend.Start(ctx, c.handle); err != nil {
			return &BackendError{Instance: c.inst.Name, Op: "start", Err: err}
		}
		c.state = StateRunning
		c.status = backend.Status{State: backend.Running}
	} else {
		log.Debug().Str("state", string(c.state)).Msg("Instance already running")
	}

	if err := c.waitReady(ctx); err != nil {
		return err
	}
	// A VM that was not waited for may not run its agent yet.
	if m, ok := c.folderMounter(); ok && (!c.inst.VM || c.status.Ready) {
		if err := m.VerifySharedFolder(ctx, c.handle, c.sharedFolder()); err != nil {
			return &BackendError{Instance: c.inst.Name, Op: "verify shared folder", Err: err}
		}
	}
	return nil
}

// folderMounter returns the backend's shared folder repair hooks when this
// instance mounts the project root.
func (c *Controller) folderMounter() (backend.FolderMounter, bool) {
	if !c.sharesFolder() {
		return nil, false
	}
	m, ok := c.backend.(backend.FolderMounter)
	return m, ok
}

func (c *Controller) waitReady(ctx context.Context) error {
	if !c.inst.WaitForReady || c.status.Ready {
		return nil
	}
	c.log.Info().Str("instance", c.inst.Name).Dur("timeout", c.readiness.Timeout).Msg("Waiting for instance to become ready")
	err := backend.WaitReady(ctx, c.backend, c.handle, c.readiness.Timeout, c.readiness.Interval)
	switch {
	case err == nil:
		c.status.Ready = true
		return nil
	case errors.Is(err, backend.ErrNotReady):
		return fmt.Errorf("instance %s: %w: %w", c.inst.Name, ErrReadinessTimeout, err)
	}
	return fmt.Errorf("instance %s: wait for readiness: %w", c.inst.Name, err)
}

// EnsureProvisioned applies every step not yet recorded on the instance, in
// order, stopping at the first failure. The instance must already be running.
func (c *Controller) EnsureProvisioned(ctx context.Context) (ProvisionResult, error) {
	var res ProvisionResult
	state, err := c.Observe(ctx)
	if err != nil {
		return res, err
	}
	if state == StateAbsent || state == StateCreated {
		return res, fmt.Errorf("instance %s (%s): %w", c.inst.Name, state, ErrInstanceNotRunning)
	}
	log := c.log.With().Str("instance", c.inst.Name).Logger()
	if len(c.inst.Steps) == 0 {
		log.Debug().Msg("No provisioning steps")
		c.state = StateProvisioned
		return res, nil
	}
	if err := c.waitReady(ctx); err != nil {
		return res, err
	}

	tracker, err := provision.LoadTracker(ctx, c.records(c.backend, c.handle))
	if err != nil {
		return res, &BackendError{Instance: c.inst.Name, Op: "load provisioning record", Err: err}
	}
	target := provision.Target{Instance: c.inst.Name, Handle: c.handle, Cwd: "/"}
	if c.sharesFolder() {
		target.Cwd = SharedFolderPath
	}

	for i, step := range c.inst.Steps {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("instance %s: stopped before step %d: %w", c.inst.Name, i+1, err)
		}
		rs, err := c.resolver.Resolve(step)
		if err != nil {
			return res, &provision.StepExecutionError{
				Instance: c.inst.Name,
				Index:    i,
				Step:     step.Describe(),
				Phase:    provision.PhaseRead,
				Err:      err,
			}
		}
		slog := log.With().Int("step", i+1).Str("fingerprint", rs.Fingerprint.Short()).Logger()
		if tracker.IsApplied(rs.Fingerprint) {
			slog.Debug().Str("kind", string(step.Kind)).Msg("Step already applied, skipping")
			res.Skipped++
			continue
		}
		slog.Info().Msgf("Provisioning %s", step.Describe())
		if err := c.runner.Run(ctx, target, i, rs); err != nil {
			return res, err
		}
		if err := tracker.RecordApplied(ctx, rs.Fingerprint, step.Kind); err != nil {
			return res, &provision.StepExecutionError{
				Instance:    c.inst.Name,
				Index:       i,
				Step:        step.Describe(),
				Fingerprint: rs.Fingerprint,
				Phase:       provision.PhaseRecord,
				Err:         err,
			}
		}
		res.Applied++
	}
	c.state = StateProvisioned
	log.Info().Int("applied", res.Applied).Int("skipped", res.Skipped).Msg("Provisioning complete")
	return res, nil
}

// Destroy force-deletes the instance. An absent instance is left alone.
func (c *Controller) Destroy(ctx context.Context) error {
	state, err := c.Observe(ctx)
	if err != nil {
		return err
	}
	if state == StateAbsent {
		c.log.Info().Str("instance", c.inst.Name).Msg("Instance does not exist, nothing to destroy")
		c.state = StateDestroyed
		return nil
	}
	c.log.Info().Str("instance", c.inst.Name).Msg("Destroying instance")
	if err := c.backend.Delete(ctx, c.handle); err != nil {
		return &BackendError{Instance: c.inst.Name, Op: "delete", Err: err}
	}
	c.state = StateDestroyed
	return nil
}
