// Package protocol defines the JSON-lines protocol spoken between the
// platform bus broker and the devhosts it places devices in.
//
// Every line is one Message. Requests carry a caller-chosen ID; the broker
// answers each request with exactly one RESULT or ERROR carrying the same
// ID. Requests are served concurrently, so replies may arrive out of order.
// A CANCEL with the ID of an outstanding request abandons it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/pbus/pkg/platform"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeSetProtocol publishes a protocol handle.
	MessageTypeSetProtocol MessageType = "SET_PROTOCOL"
	// MessageTypeWaitProtocol waits for a protocol to be published.
	MessageTypeWaitProtocol MessageType = "WAIT_PROTOCOL"
	// MessageTypeDeviceAdd adds a device tree.
	MessageTypeDeviceAdd MessageType = "DEVICE_ADD"
	// MessageTypeDeviceEnable enables or disables a device.
	MessageTypeDeviceEnable MessageType = "DEVICE_ENABLE"
	// MessageTypeGetBoardName reads the board name.
	MessageTypeGetBoardName MessageType = "GET_BOARD_NAME"
	// MessageTypeSetBoardInfo updates the board revision.
	MessageTypeSetBoardInfo MessageType = "SET_BOARD_INFO"
	// MessageTypeGetMetadata reads a device metadata record.
	MessageTypeGetMetadata MessageType = "GET_METADATA"
	// MessageTypeCancel abandons an outstanding request.
	MessageTypeCancel MessageType = "CANCEL"
	// MessageTypeResult is a successful reply.
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError is a failed reply.
	MessageTypeError MessageType = "ERROR"
)

// Validate checks if the message type is known.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeSetProtocol, MessageTypeWaitProtocol, MessageTypeDeviceAdd,
		MessageTypeDeviceEnable, MessageTypeGetBoardName, MessageTypeSetBoardInfo,
		MessageTypeGetMetadata, MessageTypeCancel, MessageTypeResult, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", mt)
	}
}

// IsRequest reports whether mt is sent by a devhost and answered by the
// broker. CANCEL is not a request; it is never answered.
func (mt MessageType) IsRequest() bool {
	switch mt {
	case MessageTypeResult, MessageTypeError, MessageTypeCancel:
		return false
	default:
		return mt.Validate() == nil
	}
}

// Message is the envelope for every line on the wire.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SetProtocolRequest publishes Handle as the implementation of Protocol.
// The handle is opaque to the broker and passed through to waiters as is.
type SetProtocolRequest struct {
	Protocol platform.ProtocolID `json:"protocol"`
	Handle   json.RawMessage     `json:"handle"`
}

// WaitProtocolRequest waits for Protocol.
type WaitProtocolRequest struct {
	Protocol platform.ProtocolID `json:"protocol"`
}

// WaitProtocolResult carries the published handle.
type WaitProtocolResult struct {
	Handle json.RawMessage `json:"handle"`
}

// DeviceAddRequest carries a descriptor tree in its binary encoding.
type DeviceAddRequest struct {
	Descriptor []byte            `json:"descriptor"`
	Flags      platform.AddFlags `json:"flags"`
}

// NewDeviceAddRequest encodes dev for the wire.
func NewDeviceAddRequest(dev *platform.DeviceDescriptor, flags platform.AddFlags) (*DeviceAddRequest, error) {
	data, err := dev.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &DeviceAddRequest{Descriptor: data, Flags: flags}, nil
}

// DecodeDescriptor decodes the carried descriptor tree.
func (r *DeviceAddRequest) DecodeDescriptor() (*platform.DeviceDescriptor, error) {
	var dev platform.DeviceDescriptor
	if err := dev.UnmarshalBinary(r.Descriptor); err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeviceEnableRequest enables or disables the top-level device with the
// given triple.
type DeviceEnableRequest struct {
	VID    uint32 `json:"vid"`
	PID    uint32 `json:"pid"`
	DID    uint32 `json:"did"`
	Enable bool   `json:"enable"`
}

// BoardNameResult carries the board name.
type BoardNameResult struct {
	Name string `json:"name"`
}

// SetBoardInfoRequest updates the board record.
type SetBoardInfoRequest struct {
	Info platform.BoardInfo `json:"info"`
}

// MetadataRequest reads the metadata record Type/Extra of a device.
type MetadataRequest struct {
	VID   uint32 `json:"vid"`
	PID   uint32 `json:"pid"`
	DID   uint32 `json:"did"`
	Type  uint32 `json:"type"`
	Extra uint32 `json:"extra"`
}

// Triple returns the requested device identity.
func (r *MetadataRequest) Triple() platform.Triple {
	return platform.Triple{VID: r.VID, PID: r.PID, DID: r.DID}
}

// MetadataResult carries a metadata payload.
type MetadataResult struct {
	Data []byte `json:"data"`
}

// ErrorMessage is the payload of an ERROR reply.
type ErrorMessage struct {
	Kind      platform.ErrorKind `json:"kind"`
	Message   string             `json:"message"`
	Device    string             `json:"device,omitempty"`
	Operation string             `json:"operation,omitempty"`
}

// NewErrorMessage describes err for the wire.
func NewErrorMessage(err error) *ErrorMessage {
	var be *platform.BusError
	if errors.As(err, &be) {
		return &ErrorMessage{
			Kind:      be.Kind,
			Message:   be.Message,
			Device:    be.Device,
			Operation: be.Operation,
		}
	}
	return &ErrorMessage{Kind: platform.KindOf(err), Message: err.Error()}
}

// Err converts the message back to a *platform.BusError.
func (m *ErrorMessage) Err() *platform.BusError {
	kind := m.Kind
	if kind == "" {
		kind = platform.KindInternal
	}
	return &platform.BusError{
		Kind:      kind,
		Message:   m.Message,
		Device:    m.Device,
		Operation: m.Operation,
	}
}
