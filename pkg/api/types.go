package api

import "time"

// v0 contains public result types for callers driving incant programmatically.

type Operation string

const (
	OpUp        Operation = "up"
	OpProvision Operation = "provision"
	OpDestroy   Operation = "destroy"
	OpList      Operation = "list"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunSkipped marks instances never started because the run was cancelled.
	RunSkipped RunStatus = "skipped"
)

// InstanceResult is the outcome of one operation on one instance.
type InstanceResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   RunStatus     `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Applied  int           `json:"applied" yaml:"applied"`
	Skipped  int           `json:"skipped" yaml:"skipped"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// InstanceState is one row of `incant list`.
type InstanceState struct {
	Name   string `json:"name" yaml:"name"`
	State  string `json:"state" yaml:"state"`
	Ready  bool   `json:"ready" yaml:"ready"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunSummary is what the journal keeps for one invocation.
type RunSummary struct {
	ID        string           `json:"id" yaml:"id"`
	Operation Operation        `json:"operation" yaml:"operation"`
	Backend   string           `json:"backend" yaml:"backend"`
	StartedAt time.Time        `json:"started_at" yaml:"started_at"`
	Duration  time.Duration    `json:"duration" yaml:"duration"`
	Status    RunStatus        `json:"status" yaml:"status"`
	Results   []InstanceResult `json:"results,omitempty" yaml:"results,omitempty"`
}
