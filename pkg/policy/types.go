package policy

import (
	"time"

	"github.com/openfroyo/pbus/pkg/platform"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are logged but do not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the device.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that reject the device.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into the daemon.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Device is the name of the offending device node.
	Device string `json:"device,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of evaluating a device against all policies.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document a device admission policy sees as `input`.
type Input struct {
	// Device is the descriptor being submitted, children included.
	Device *platform.DeviceDescriptor `json:"device"`

	// Flags are the device_add flags.
	Flags FlagsInput `json:"flags"`

	// Board describes the board the device is added to.
	Board BoardInput `json:"board"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// FlagsInput exposes the add flags to Rego.
type FlagsInput struct {
	Raw         uint32 `json:"raw"`
	PbusDevhost bool   `json:"pbus_devhost"`
}

// NewFlagsInput converts add flags for policy evaluation.
func NewFlagsInput(flags platform.AddFlags) FlagsInput {
	return FlagsInput{
		Raw:         uint32(flags),
		PbusDevhost: flags.Has(platform.AddPbusDevhost),
	}
}

// BoardInput exposes board identity and board-level switches to Rego.
type BoardInput struct {
	Name     string `json:"name"`
	VID      uint32 `json:"vid"`
	PID      uint32 `json:"pid"`
	Revision uint32 `json:"revision"`

	// AllowSharedBTIs lets devices in the platform-bus devhost carry BTIs.
	AllowSharedBTIs bool `json:"allow_shared_btis"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is the bus operation being performed.
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Existing lists the names of top-level devices already on the bus.
	Existing []string `json:"existing,omitempty"`
}
