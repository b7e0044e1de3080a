package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/provision"
	"github.com/incant-go/incant/internal/spec"
	"github.com/incant-go/incant/internal/telemetry"
	"github.com/incant-go/incant/pkg/api"
)

// Options wire an Orchestrator to its collaborators.
type Options struct {
	Backend     backend.Backend
	Concurrency int
	Readiness   Readiness
	// Resolver defaults to one rooted at the fleet's project directory.
	Resolver *provision.Resolver
	// Records defaults to the record file kept inside each instance.
	Records   RecordStoreFunc
	HostKeys  provision.HostKeyRefresher
	Collector *telemetry.Collector
	Log       zerolog.Logger
}

// Orchestrator applies fleet-wide operations, one task per instance on a
// bounded pool. It owns the fleet for the duration of one invocation.
type Orchestrator struct {
	fleet *spec.Fleet
	opts  Options
}

func NewOrchestrator(fleet *spec.Fleet, opts Options) *Orchestrator {
	if opts.Resolver == nil {
		opts.Resolver = provision.NewResolver(fleet.Root)
	}
	if opts.Records == nil {
		opts.Records = func(b backend.Backend, h backend.Handle) provision.RecordStore {
			return provision.NewBackendRecordStore(b, h)
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Readiness.Timeout <= 0 {
		opts.Readiness.Timeout = 5 * time.Minute
	}
	if opts.Readiness.Interval <= 0 {
		opts.Readiness.Interval = time.Second
	}
	return &Orchestrator{fleet: fleet, opts: opts}
}

func (o *Orchestrator) Fleet() *spec.Fleet { return o.fleet }

// Controller returns a fresh controller for inst.
func (o *Orchestrator) Controller(inst spec.Instance) *Controller {
	runner := provision.NewRunner(o.opts.Backend, o.opts.Log)
	runner.HostKeys = o.opts.HostKeys
	runner.Collector = o.opts.Collector
	return &Controller{
		inst:      inst,
		root:      o.fleet.Root,
		backend:   o.opts.Backend,
		handle:    backend.Handle{Name: inst.Name},
		runner:    runner,
		resolver:  o.opts.Resolver,
		records:   o.opts.Records,
		readiness: o.opts.Readiness,
		log:       o.opts.Log,
	}
}

// Targets resolves names against the fleet. No names means every instance in
// declaration order. Unknown names fail before any backend call.
func (o *Orchestrator) Targets(names []string) ([]spec.Instance, error) {
	if len(names) == 0 {
		return append([]spec.Instance(nil), o.fleet.Instances...), nil
	}
	var (
		out     []spec.Instance
		unknown []string
		seen    = map[string]bool{}
	)
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		inst, ok := o.fleet.Lookup(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, inst)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrUnknownInstance,
			strings.Join(unknown, ", "), strings.Join(o.fleet.Names(), ", "))
	}
	return out, nil
}

// Outcome is the result of one instance task.
type Outcome struct {
	Name     string
	Status   api.RunStatus
	Err      error
	Applied  int
	Skipped  int
	Duration time.Duration
}

// Report collects per-instance outcomes in target order. Tasks write their
// own slot concurrently.
type Report struct {
	Op api.Operation

	mu       sync.Mutex
	outcomes []Outcome
}

func newReport(op api.Operation, targets []spec.Instance) *Report {
	r := &Report{Op: op, outcomes: make([]Outcome, len(targets))}
	for i, t := range targets {
		r.outcomes[i] = Outcome{Name: t.Name, Status: api.RunPending}
	}
	return r
}

func (r *Report) set(i int, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[i] = o
}

// Outcomes returns a copy of the outcomes in target order.
func (r *Report) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// OK reports whether every instance succeeded.
func (r *Report) OK() bool {
	for _, o := range r.Outcomes() {
		if o.Status != api.RunSucceeded {
			return false
		}
	}
	return true
}

// Err joins the errors of all failed or skipped instances.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes() {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Results converts the outcomes into public result types.
func (r *Report) Results() []api.InstanceResult {
	outs := r.Outcomes()
	res := make([]api.InstanceResult, 0, len(outs))
	for _, o := range outs {
		ir := api.InstanceResult{
			Name:     o.Name,
			Status:   o.Status,
			Applied:  o.Applied,
			Skipped:  o.Skipped,
			Duration: o.Duration,
		}
		if o.Err != nil {
			ir.Error = o.Err.Error()
		}
		res = append(res, ir)
	}
	return res
}

type task func(ctx context.Context, c *Controller) (ProvisionResult, error)

func (o *Orchestrator) run(ctx context.Context, op api.Operation, targets []spec.Instance, fn task) *Report {
	report := newReport(op, targets)
	RunPool(ctx, o.opts.Concurrency, len(targets),
		func(ctx context.Context, i int) {
			start := time.Now()
			res, err := fn(ctx, o.Controller(targets[i]))
			out := Outcome{
				Name:     targets[i].Name,
				Status:   api.RunSucceeded,
				Err:      err,
				Applied:  res.Applied,
				Skipped:  res.Skipped,
				Duration: time.Since(start),
			}
			if err != nil {
				out.Status = api.RunFailed
				o.opts.Log.Error().Err(err).Str("instance", out.Name).Msgf("%s failed", op)
			}
			o.opts.Collector.Counter("incant_instances_total", 1, map[string]string{
				"op":     string(op),
				"status": string(out.Status),
			})
			report.set(i, out)
		},
		func(i int) {
			report.set(i, Outcome{
				Name:   targets[i].Name,
				Status: api.RunSkipped,
				Err:    fmt.Errorf("instance %s: not started: %w", targets[i].Name, ctx.Err()),
			})
		})
	return report
}

// Up brings the targets up and applies their provisioning steps.
func (o *Orchestrator) Up(ctx context.Context, names ...string) (*Report, error) {
	targets, err := o.Targets(names)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, api.OpUp, targets, func(ctx context.Context, c *Controller) (ProvisionResult, error) {
		if err := c.EnsureUp(ctx); err != nil {
			return ProvisionResult{}, err
		}
		return c.EnsureProvisioned(ctx)
	}), nil
}

// Provision applies pending steps to targets that are already running.
func (o *Orchestrator) Provision(ctx context.Context, names ...string) (*Report, error) {
	targets, err := o.Targets(names)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, api.OpProvision, targets, func(ctx context.Context, c *Controller) (ProvisionResult, error) {
		return c.EnsureProvisioned(ctx)
	}), nil
}

// Destroy deletes the targets. Without names the whole fleet is destroyed in
// reverse declaration order.
func (o *Orchestrator) Destroy(ctx context.Context, names ...string) (*Report, error) {
	targets, err := o.Targets(names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		for i, j := 0, len(targets)-1; i < j; i, j = i+1, j-1 {
			targets[i], targets[j] = targets[j], targets[i]
		}
	}
	return o.run(ctx, api.OpDestroy, targets, func(ctx context.Context, c *Controller) (ProvisionResult, error) {
		return ProvisionResult{}, c.Destroy(ctx)
	}), nil
}

// List reports the backend state of every declared instance. Per-instance
// failures are reported inline and never abort the listing.
func (o *Orchestrator) List(ctx context.Context) []api.InstanceState {
	out := make([]api.InstanceState, len(o.fleet.Instances))
	RunPool(ctx, o.opts.Concurrency, len(out),
		func(ctx context.Context, i int) {
			name := o.fleet.Instances[i].Name
			st, err := o.opts.Backend.Status(ctx, backend.Handle{Name: name})
			row := api.InstanceState{Name: name, State: string(st.State), Ready: st.Ready, Detail: st.Detail}
			if err != nil {
				row.State = "error"
				row.Error = err.Error()
			}
			out[i] = row
		},
		func(i int) {
			out[i] = api.InstanceState{Name: o.fleet.Instances[i].Name, State: "error", Error: ctx.Err().Error()}
		})
	return out
}

// Shell opens an interactive shell in name. With an empty name the fleet must
// contain exactly one instance.
func (o *Orchestrator) Shell(ctx context.Context, name string) error {
	var names []string
	if name != "" {
		names = []string{name}
	}
	targets, err := o.Targets(names)
	if err != nil {
		return err
	}
	switch len(targets) {
	case 0:
		return errors.New("no instances declared")
	case 1:
	default:
		return fmt.Errorf("several instances declared (%s); pass one by name", strings.Join(o.fleet.Names(), ", "))
	}
	sh, ok := o.opts.Backend.(backend.Sheller)
	if !ok {
		return fmt.Errorf("%s: %w", o.opts.Backend.Name(), ErrShellUnsupported)
	}
	c := o.Controller(targets[0])
	state, err := c.Observe(ctx)
	if err != nil {
		return err
	}
	if state != StateRunning && state != StateProvisioned {
		return fmt.Errorf("instance %s (%s): %w", targets[0].Name, state, ErrInstanceNotRunning)
	}
	return sh.Shell(ctx, c.handle)
}
