package platform

import (
	"context"
	"fmt"
)

// ProtocolID identifies a capability a driver can publish or depend on.
type ProtocolID uint32

func fourcc(a, b, c, d byte) ProtocolID {
	return ProtocolID(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// Protocols the platform bus commonly brokers between board drivers.
var (
	ProtocolGPIO          = fourcc('p', 'G', 'P', 'O')
	ProtocolI2C           = fourcc('p', 'I', '2', 'C')
	ProtocolClock         = fourcc('p', 'C', 'L', 'K')
	ProtocolIOMMU         = fourcc('p', 'I', 'O', 'M')
	ProtocolCanvas        = fourcc('p', 'C', 'A', 'N')
	ProtocolSCPI          = fourcc('p', 'S', 'C', 'P')
	ProtocolUSBModeSwitch = fourcc('p', 'U', 'M', 'S')
)

// String renders printable ids as their four character code.
func (id ProtocolID) String() string {
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%#08x", uint32(id))
		}
	}
	return string(b)
}

// Bus is the platform bus as seen by board and platform device drivers.
//
// WaitProtocol blocks until another driver calls SetProtocol for the same
// id. It adds no timeout of its own; a caller that passes a context without
// a deadline waits for as long as the protocol stays unpublished.
type Bus interface {
	// SetProtocol publishes handle as the implementation of id.
	SetProtocol(ctx context.Context, id ProtocolID, handle any) error

	// WaitProtocol waits for id to be published and returns its handle.
	WaitProtocol(ctx context.Context, id ProtocolID) (any, error)

	// DeviceAdd realizes dev and its children on the bus.
	DeviceAdd(ctx context.Context, dev *DeviceDescriptor, flags AddFlags) error

	// DeviceEnable enables or disables a previously added device.
	DeviceEnable(ctx context.Context, vid, pid, did uint32, enable bool) error

	// GetBoardName returns the board name, or UnknownBoardName.
	GetBoardName() string

	// SetBoardInfo merges info into the board record.
	SetBoardInfo(ctx context.Context, info *BoardInfo) error
}
