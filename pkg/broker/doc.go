// Package broker implements the platform bus in-process.
//
// A Broker owns three pieces of state behind one mutex: the tree of realized
// devices, the protocol registry, and the board record. It implements
// platform.Bus, so board and device drivers running in the same process call
// it directly; drivers in other devhosts reach it through pkg/devhost.
//
// Basic usage:
//
//	b, err := broker.New(ctx, broker.Options{
//		Board: platform.BoardRecord{Name: "vim2", VID: 5, PID: 3},
//	})
//	if err != nil {
//		return err
//	}
//
//	// Board driver
//	err = b.DeviceAdd(ctx, &platform.DeviceDescriptor{
//		Name: "aml-gpio", VID: 5, PID: 1, DID: 1,
//		MMIOs: []platform.MMIO{{Base: 0xc8834000, Length: 0x1000}},
//	}, platform.AddPbusDevhost)
//
//	// GPIO driver
//	err = b.SetProtocol(ctx, platform.ProtocolGPIO, gpio)
//
//	// Any driver that needs GPIO
//	handle, err := b.WaitProtocol(ctx, platform.ProtocolGPIO)
//
// WaitProtocol has no timeout of its own. Pass a context with a deadline
// to bound the wait.
//
// With Options.Store set, every device tree is written in one transaction
// before it becomes visible, state changes and board info are written
// through, and bus events are appended to the store's event log. With
// Options.Policy set, each DeviceAdd is vetted by the admission policies
// first and blocking violations fail the add with InvalidArgument.
package broker
