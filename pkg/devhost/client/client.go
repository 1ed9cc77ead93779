// Package client provides a platform.Bus that talks to a broker over the
// devhost protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/pbus/pkg/devhost/protocol"
	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// DefaultBoardNameTimeout bounds GetBoardName, which takes no context.
const DefaultBoardNameTimeout = 5 * time.Second

// Client is a platform.Bus backed by a broker connection. Calls may be made
// concurrently; replies are matched to calls by request id.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *protocol.Encoder
	logger  *telemetry.Logger
	done    chan struct{}

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	closed  bool
	err     error

	// BoardNameTimeout bounds GetBoardName.
	BoardNameTimeout time.Duration
}

var _ platform.Bus = (*Client)(nil)

// Dial connects to a broker listening on network/address.
func Dial(ctx context.Context, network, address string, logger *telemetry.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, platform.NewError(platform.KindUnavailable,
			fmt.Sprintf("failed to connect to broker at %s", address), err)
	}
	return New(conn, logger), nil
}

// New creates a client over an established connection and starts reading
// replies. A nil logger discards output.
func New(conn io.ReadWriteCloser, logger *telemetry.Logger) *Client {
	if logger == nil {
		logger = telemetry.Nop()
	}
	c := &Client{
		conn:             conn,
		encoder:          protocol.NewEncoder(conn),
		logger:           logger.NewComponentLogger("devhost-client"),
		done:             make(chan struct{}),
		pending:          make(map[string]chan *protocol.Message),
		BoardNameTimeout: DefaultBoardNameTimeout,
	}
	go c.readLoop(protocol.NewDecoder(conn))
	return c
}

// SetProtocol publishes handle as the implementation of id. The handle must
// be JSON encodable; waiters in other devhosts receive it as
// json.RawMessage.
func (c *Client) SetProtocol(ctx context.Context, id platform.ProtocolID, handle any) error {
	if handle == nil {
		return platform.InvalidArgument("protocol handle is nil", nil).WithOperation("set_protocol")
	}
	raw, err := json.Marshal(handle)
	if err != nil {
		return platform.InvalidArgument(fmt.Sprintf("protocol %s handle is not encodable", id), err).
			WithOperation("set_protocol")
	}
	return c.call(ctx, protocol.MessageTypeSetProtocol, &protocol.SetProtocolRequest{Protocol: id, Handle: raw}, nil)
}

// WaitProtocol waits for id to be published. The handle is returned as
// json.RawMessage.
func (c *Client) WaitProtocol(ctx context.Context, id platform.ProtocolID) (any, error) {
	var res protocol.WaitProtocolResult
	if err := c.call(ctx, protocol.MessageTypeWaitProtocol, &protocol.WaitProtocolRequest{Protocol: id}, &res); err != nil {
		return nil, err
	}
	return res.Handle, nil
}

// DeviceAdd sends dev, in its binary encoding, to the broker.
func (c *Client) DeviceAdd(ctx context.Context, dev *platform.DeviceDescriptor, flags platform.AddFlags) error {
	if dev == nil {
		return platform.InvalidArgument("device descriptor is nil", nil).WithOperation("device_add")
	}
	req, err := protocol.NewDeviceAddRequest(dev, flags)
	if err != nil {
		return platform.InvalidArgument("failed to encode device descriptor", err).
			WithDevice(dev.Name).WithOperation("device_add")
	}
	return c.call(ctx, protocol.MessageTypeDeviceAdd, req, nil)
}

// DeviceEnable enables or disables a top-level device.
func (c *Client) DeviceEnable(ctx context.Context, vid, pid, did uint32, enable bool) error {
	req := &protocol.DeviceEnableRequest{VID: vid, PID: pid, DID: did, Enable: enable}
	return c.call(ctx, protocol.MessageTypeDeviceEnable, req, nil)
}

// GetBoardName returns the board name, or platform.UnknownBoardName when
// the broker cannot be reached within BoardNameTimeout.
func (c *Client) GetBoardName() string {
	ctx, cancel := context.WithTimeout(context.Background(), c.BoardNameTimeout)
	defer cancel()

	name, err := c.BoardName(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read board name")
		return platform.UnknownBoardName
	}
	return name
}

// BoardName is GetBoardName with a context and an error.
func (c *Client) BoardName(ctx context.Context) (string, error) {
	var res protocol.BoardNameResult
	if err := c.call(ctx, protocol.MessageTypeGetBoardName, nil, &res); err != nil {
		return "", err
	}
	return res.Name, nil
}

// SetBoardInfo updates the board revision.
func (c *Client) SetBoardInfo(ctx context.Context, info *platform.BoardInfo) error {
	if info == nil {
		return platform.InvalidArgument("board info is nil", nil).WithOperation("set_board_info")
	}
	return c.call(ctx, protocol.MessageTypeSetBoardInfo, &protocol.SetBoardInfoRequest{Info: *info}, nil)
}

// Metadata reads a device metadata payload.
func (c *Client) Metadata(ctx context.Context, triple platform.Triple, metaType, extra uint32) ([]byte, error) {
	req := &protocol.MetadataRequest{VID: triple.VID, PID: triple.PID, DID: triple.DID, Type: metaType, Extra: extra}
	var res protocol.MetadataResult
	if err := c.call(ctx, protocol.MessageTypeGetMetadata, req, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Close closes the connection. Outstanding calls fail as unavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection to the broker is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// call sends one request and waits for its reply. When ctx is done first
// the broker is told to abandon the request and ctx.Err() is returned.
func (c *Client) call(ctx context.Context, msgType protocol.MessageType, req, resp interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	replyCh := make(chan *protocol.Message, 1)

	c.mu.Lock()
	if c.closed || c.err != nil {
		err := c.err
		c.mu.Unlock()
		return unavailable(err)
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	if err := c.encoder.Encode(id, msgType, req); err != nil {
		c.forget(id)
		return unavailable(err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return unavailable(err)
		}
		return decodeReply(reply, resp)

	case <-ctx.Done():
		c.forget(id)
		if err := c.encoder.EncodeCancel(id); err != nil {
			c.logger.WithError(err).Debug("Failed to send cancel")
		}
		return ctx.Err()
	}
}

func decodeReply(reply *protocol.Message, resp interface{}) error {
	switch reply.Type {
	case protocol.MessageTypeError:
		var msg protocol.ErrorMessage
		if err := protocol.ParseParams(reply.Data, &msg); err != nil {
			return platform.NewError(platform.KindInternal, "malformed error reply", err)
		}
		return msg.Err()

	case protocol.MessageTypeResult:
		if resp == nil {
			return nil
		}
		if err := protocol.ParseParams(reply.Data, resp); err != nil {
			return platform.NewError(platform.KindInternal, "malformed reply", err)
		}
		return nil

	default:
		return platform.NewError(platform.KindInternal, fmt.Sprintf("unexpected reply type %s", reply.Type), nil)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.done)

	for {
		msg, err := dec.Decode()
		if err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		replyCh, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		if !ok {
			// Replies to cancelled calls land here.
			c.logger.WithField("request_id", msg.ID).Debug("Dropping reply with no caller")
			continue
		}
		replyCh <- msg
	}
}

// fail records the terminal connection error and releases every caller.
func (c *Client) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = errors.New("connection closed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = err
	}
	for id, replyCh := range c.pending {
		close(replyCh)
		delete(c.pending, id)
	}
	if !c.closed {
		c.logger.WithError(err).Warn("Lost connection to broker")
	}
}

func unavailable(err error) error {
	if err == nil {
		err = errors.New("client is closed")
	}
	return platform.NewError(platform.KindUnavailable, "broker is unreachable", err)
}
