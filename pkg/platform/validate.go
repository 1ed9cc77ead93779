package platform

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"
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

// Validate checks the descriptor tree. Structural problems are reported as
// InvalidArgument; duplicate siblings among Children as AlreadyExists.
func (d *DeviceDescriptor) Validate() error {
	return d.validate(1)
}

func (d *DeviceDescriptor) validate(depth int) error {
	if depth > MaxDeviceDepth {
		return InvalidArgument(fmt.Sprintf("device tree deeper than %d levels", MaxDeviceDepth), nil).
			WithDevice(d.Name)
	}

	// Children carry no dive tag; they are checked recursively below.
	if err := structValidator().Struct(d); err != nil {
		return InvalidArgument("malformed device descriptor", describeValidation(err)).
			WithDevice(d.Name)
	}

	if d.Triple().IsZero() {
		return InvalidArgument("vid, pid and did are all zero", nil).WithDevice(d.Name)
	}

	for i, m := range d.MMIOs {
		if m.Base > math.MaxUint64-m.Length {
			return InvalidArgument(fmt.Sprintf("mmio[%d] wraps the address space", i), nil).
				WithDevice(d.Name)
		}
	}

	for i, irq := range d.IRQs {
		if !irq.Mode.Valid() {
			return InvalidArgument(fmt.Sprintf("irq[%d] has invalid mode %#x", i, uint32(irq.Mode)), nil).
				WithDevice(d.Name)
		}
	}

	names := make(map[string]struct{}, len(d.Children))
	triples := make(map[Triple]struct{}, len(d.Children))
	for i := range d.Children {
		child := &d.Children[i]
		if _, dup := names[child.Name]; dup {
			return AlreadyExists(fmt.Sprintf("duplicate child name %q", child.Name), nil).
				WithDevice(d.Name)
		}
		if _, dup := triples[child.Triple()]; dup {
			return AlreadyExists(fmt.Sprintf("duplicate child triple %s", child.Triple()), nil).
				WithDevice(d.Name)
		}
		names[child.Name] = struct{}{}
		triples[child.Triple()] = struct{}{}

		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}

	return nil
}

// describeValidation flattens validator field errors into one error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%v", msgs)
}
