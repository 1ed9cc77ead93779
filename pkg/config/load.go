package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/pbus/pkg/broker"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Defaults applied by Load.
const (
	DefaultNetwork = "unix"
	DefaultAddress = "/run/pbus/pbus.sock"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Load reads a board file. Files ending in .cue, and directories, are
// evaluated as CUE; anything else is read as YAML (which includes JSON).
// The result has defaults applied and is validated.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)

	info, statErr := os.Stat(path)
	switch {
	case statErr != nil:
		return nil, fmt.Errorf("failed to stat board file: %w", statErr)
	case info.IsDir() || strings.EqualFold(filepath.Ext(path), ".cue"):
		cfg, err = loadCUE(path)
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read board file: %w", err)
		}
		cfg, err = Parse(data)
	}
	if err != nil {
		return nil, err
	}

	cfg.Source = path
	return cfg, nil
}

func loadCUE(path string) (*Config, error) {
	parser, err := NewCUEParser()
	if err != nil {
		return nil, err
	}
	data, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON board file, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Telemetry settings in the file override the defaults field by field.
	cfg := Config{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse board file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset daemon settings.
func (c *Config) ApplyDefaults() {
	if c.Broker.ProtocolPolicy == "" {
		c.Broker.ProtocolPolicy = string(broker.ProtocolPolicyReplace)
	}
	if c.Server.Network == "" {
		c.Server.Network = DefaultNetwork
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
}

// Validate checks the board file, including every device descriptor.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate board file: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			})
		}
	}

	for i := range c.Devices {
		if err := c.Devices[i].Validate(); err != nil {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("devices[%d]", i),
				Message: err.Error(),
			})
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// BootItemTable decodes the boot items into a table the broker resolves
// deferred metadata from.
func (c *Config) BootItemTable() (*broker.MapBootItems, error) {
	items := broker.NewMapBootItems()
	for i, item := range c.BootItems {
		data, err := base64.StdEncoding.DecodeString(item.Data)
		if err != nil {
			return nil, fmt.Errorf("boot_items[%d]: %w", i, err)
		}
		items.Add(item.Type, item.Extra, data)
	}
	return items, nil
}
