package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/pbus/pkg/platform"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCommand(BuildInfo{Version: "test", Commit: "none", Date: "never"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeBoard(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write board file: %v", err)
	}
	return path
}

const board = `
board: {name: vim2, vid: 5, pid: 3}
devices:
  - name: aml-gpio
    vid: 5
    pid: 1
    did: 1
    pbus_devhost: true
    mmios: [{base: 0xc8834000, length: 0x1000}]
  - name: aml-sd-emmc
    vid: 5
    pid: 2
    did: 11
    btis: [{iommu_index: 0, bti_id: 7}]
    children:
      - {name: sdio-wifi, vid: 5, pid: 2, did: 12}
`

func TestParseTriple(t *testing.T) {
	tests := []struct {
		in      string
		want    platform.Triple
		wantErr bool
	}{
		{in: "5:2:11", want: platform.Triple{VID: 5, PID: 2, DID: 11}},
		{in: "0x5:0x2:0xb", want: platform.Triple{VID: 5, PID: 2, DID: 11}},
		{in: "5:2", wantErr: true},
		{in: "5:2:zz", wantErr: true},
		{in: "5:2:0x100000000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTriple(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTriple() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseTriple() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeBoard(t, board)
	out, err := runCommand(t, "validate", path)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCommandRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "duplicate device",
			content: board + `
  - {name: aml-gpio, vid: 5, pid: 1, did: 1}
`,
		},
		{
			name: "shared devhost with btis",
			content: `
board: {name: vim2}
devices:
  - {name: dma, vid: 1, pid: 1, did: 1, pbus_devhost: true, btis: [{bti_id: 1}]}
`,
		},
		{
			name:    "schema error",
			content: "board: {name: vim2}\nbroker: {protocol_policy: first}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCommand(t, "validate", writeBoard(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	// Policies can be skipped.
	path := writeBoard(t, tests[1].content)
	if out, err := runCommand(t, "validate", "--no-policy", path); err != nil {
		t.Errorf("validate --no-policy failed: %v\n%s", err, out)
	}
}

func TestEncodeCommandRoundTrip(t *testing.T) {
	path := writeBoard(t, board)
	bin := filepath.Join(t.TempDir(), "emmc.bin")

	if out, err := runCommand(t, "-c", path, "encode", "aml-sd-emmc", "-o", bin); err != nil {
		t.Fatalf("encode failed: %v\n%s", err, out)
	}

	out, err := runCommand(t, "encode", "--decode", bin)
	if err != nil {
		t.Fatalf("decode failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"sdio-wifi"`) || !strings.Contains(out, `"bti_id": 7`) {
		t.Errorf("decoded output = %s", out)
	}

	if _, err := runCommand(t, "-c", path, "encode", "missing"); err == nil {
		t.Error("expected error for unknown device")
	}
}
