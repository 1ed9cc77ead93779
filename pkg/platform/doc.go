// Package platform defines the contract between the platform bus and the
// drivers that register hardware resources through it.
//
// Board drivers describe devices with DeviceDescriptor trees listing MMIO
// windows, interrupts, GPIOs, I2C channels, clocks, BTIs and metadata, and
// submit them through the Bus interface. Platform device drivers use the same
// interface to publish protocols, wait for protocols published by their
// siblings, and read the board identity.
//
// Descriptors are borrowed for the duration of a call. Implementations of Bus
// keep their own copies (see DeviceDescriptor.Clone) and never retain the
// caller's slices. For deployments where drivers run in a different process
// than the bus, MarshalBinary and UnmarshalBinary define a length-prefixed
// encoding of a descriptor tree.
package platform
