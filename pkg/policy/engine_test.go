package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"device-naming", "shared-devhost-btis"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Policy %s should be marked built-in", name)
		}
	}
}

func TestEvaluateDevice_Naming(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		device        *platform.DeviceDescriptor
		expectWarning bool
	}{
		{
			name:   "conventional name",
			device: &platform.DeviceDescriptor{Name: "aml-gpio", VID: 5, PID: 1, DID: 1},
		},
		{
			name:          "uppercase name",
			device:        &platform.DeviceDescriptor{Name: "AmlGpio", VID: 5, PID: 1, DID: 1},
			expectWarning: true,
		},
		{
			name: "bad child name",
			device: &platform.DeviceDescriptor{
				Name: "aml-sd-emmc", VID: 5, PID: 2, DID: 1,
				Children: []platform.DeviceDescriptor{{Name: "SDIO WiFi", VID: 5, PID: 2, DID: 2}},
			},
			expectWarning: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateDevice(context.Background(), &Input{Device: tt.device})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			// Naming is advisory only.
			if !result.Allowed {
				t.Errorf("Expected device to be allowed, violations: %+v", result.Violations)
			}

			hasWarning := false
			for _, w := range result.Warnings {
				if w.Policy == "device-naming" {
					hasWarning = true
				}
			}
			if hasWarning != tt.expectWarning {
				t.Errorf("Expected warning=%v, got warnings %+v", tt.expectWarning, result.Warnings)
			}
		})
	}
}

func TestEvaluateDevice_SharedDevhostBTIs(t *testing.T) {
	eng := newTestEngine(t)

	withBTI := &platform.DeviceDescriptor{
		Name: "aml-usb", VID: 5, PID: 3, DID: 1,
		BTIs: []platform.BTI{{IOMMUIndex: 0, BTIID: 1}},
	}
	childBTI := &platform.DeviceDescriptor{
		Name: "aml-usb", VID: 5, PID: 3, DID: 1,
		Children: []platform.DeviceDescriptor{
			{Name: "xhci", VID: 5, PID: 3, DID: 2, BTIs: []platform.BTI{{BTIID: 2}}},
		},
	}

	tests := []struct {
		name          string
		input         *Input
		expectAllowed bool
	}{
		{
			name:          "own devhost with bti",
			input:         &Input{Device: withBTI, Flags: NewFlagsInput(0)},
			expectAllowed: true,
		},
		{
			name:          "shared devhost with bti",
			input:         &Input{Device: withBTI, Flags: NewFlagsInput(platform.AddPbusDevhost)},
			expectAllowed: false,
		},
		{
			name:          "shared devhost with child bti",
			input:         &Input{Device: childBTI, Flags: NewFlagsInput(platform.AddPbusDevhost)},
			expectAllowed: false,
		},
		{
			name: "board allows shared btis",
			input: &Input{
				Device: withBTI,
				Flags:  NewFlagsInput(platform.AddPbusDevhost),
				Board:  BoardInput{Name: "vim2", AllowSharedBTIs: true},
			},
			expectAllowed: true,
		},
		{
			name: "shared devhost without bti",
			input: &Input{
				Device: &platform.DeviceDescriptor{Name: "aml-gpio", VID: 5, PID: 1, DID: 1},
				Flags:  NewFlagsInput(platform.AddPbusDevhost),
			},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateDevice(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v. Violations: %+v",
					tt.expectAllowed, result.Allowed, result.Violations)
			}
			if !tt.expectAllowed {
				if len(result.Violations) == 0 || result.Violations[0].Policy != "shared-devhost-btis" {
					t.Errorf("Expected shared-devhost-btis violation, got %+v", result.Violations)
				}
			}
		})
	}
}

func TestEvaluateDevice_RequiresDevice(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.EvaluateDevice(context.Background(), &Input{}); err == nil {
		t.Fatal("Expected error for input without device")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	policyName := "shared-devhost-btis"
	if err := eng.DisablePolicy(policyName); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	input := &Input{
		Device: &platform.DeviceDescriptor{Name: "aml-usb", VID: 5, PID: 3, DID: 1, BTIs: []platform.BTI{{BTIID: 1}}},
		Flags:  NewFlagsInput(platform.AddPbusDevhost),
	}
	result, err := eng.EvaluateDevice(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Disabled policy should not block: %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == policyName {
			t.Error("Disabled policy should not be evaluated")
		}
	}

	if err := eng.EnablePolicy(policyName); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tmpDir := t.TempDir()
	regoContent := `# Reserved vendor ids may not be added.
# severity: critical
package pbus.custom.vendor

import rego.v1

deny contains msg if {
	input.device.vid == 0xffff
	msg := "vendor id 0xffff is reserved"
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, "reserved-vid.rego"), []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{tmpDir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	policy, err := eng.GetPolicy("reserved-vid")
	if err != nil {
		t.Fatalf("Failed to get loaded policy: %v", err)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}

	result, err := eng.EvaluateDevice(context.Background(), &Input{
		Device: &platform.DeviceDescriptor{Name: "mystery", VID: 0xffff, PID: 1, DID: 1},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected reserved vendor id to be rejected")
	}
	if !strings.Contains(result.Violations[0].Message, "reserved") {
		t.Errorf("Unexpected violation message: %s", result.Violations[0].Message)
	}

	// Replacing drops custom policies but keeps the built-ins.
	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if _, err := eng.GetPolicy("reserved-vid"); err == nil {
		t.Error("Custom policy should have been dropped")
	}
	if _, err := eng.GetPolicy("device-naming"); err != nil {
		t.Errorf("Built-in policy should survive replace: %v", err)
	}
}

func TestAddPoliciesIsAllOrNothing(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Enabled: true, Rego: "package good\n\nimport rego.v1\n\ndeny contains msg if { false; msg := \"x\" }\n"},
		{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains"},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("No policy should be added when one fails to compile")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("Expected built-in policies after reload, got %d", len(eng.ListPolicies()))
	}
}
