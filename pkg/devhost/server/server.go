// Package server exposes a platform bus to devhosts over the devhost
// protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/openfroyo/pbus/pkg/devhost/protocol"
	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Backend is the bus a Server forwards requests to.
type Backend interface {
	platform.Bus

	// Metadata returns a device metadata payload.
	Metadata(ctx context.Context, triple platform.Triple, metaType, extra uint32) ([]byte, error)
}

// Server answers devhost requests against a Backend.
type Server struct {
	backend Backend
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
}

// New creates a server for backend. A nil tel disables instrumentation.
func New(backend Backend, tel *telemetry.Telemetry) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &Server{
		backend: backend,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("devhost-server"),
	}, nil
}

// ListenAndServe accepts devhost connections on network/address until ctx
// is done. A stale unix socket at address is removed first.
func (s *Server) ListenAndServe(ctx context.Context, network, address string) error {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then closes ln and
// waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithFields(map[string]interface{}{
		"network": ln.Addr().Network(),
		"address": ln.Addr().String(),
	}).Info("Devhost listener started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Devhost listener stopped")
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.WithError(err).Warn("Devhost connection failed")
			}
		}()
	}
}

// ServeConn answers requests read from conn until the peer closes it or ctx
// is done. Each request is handled in its own goroutine so a parked
// WAIT_PROTOCOL does not hold up the connection. Outstanding requests are
// cancelled when ServeConn returns.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	s.tel.Metrics.ConnectionOpened()
	defer s.tel.Metrics.ConnectionClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	c := &connection{
		server:   s,
		enc:      protocol.NewEncoder(conn),
		inflight: make(map[string]context.CancelFunc),
	}
	defer func() {
		c.cancelAll()
		cancel()
		c.wg.Wait()
	}()

	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if msg.Type == protocol.MessageTypeCancel {
			c.cancel(msg.ID)
			continue
		}
		if !msg.Type.IsRequest() {
			s.logger.WithField("type", string(msg.Type)).Warn("Ignoring unexpected message")
			continue
		}

		c.start(ctx, msg)
	}
}

type connection struct {
	server *Server
	enc    *protocol.Encoder
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func (c *connection) start(ctx context.Context, msg *protocol.Message) {
	reqCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, dup := c.inflight[msg.ID]; dup {
		c.mu.Unlock()
		cancel()
		c.reply(msg.ID, nil, platform.InvalidArgument(fmt.Sprintf("request id %q already in flight", msg.ID), nil))
		return
	}
	c.inflight[msg.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(msg.ID)

		spanCtx, span := c.server.tel.Tracer.StartSpan(reqCtx,
			"devhost."+strings.ToLower(string(msg.Type)),
			telemetry.AttrRequestID.String(msg.ID),
		)
		result, err := c.server.handle(spanCtx, msg)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()

		c.reply(msg.ID, result, err)
	}()
}

func (c *connection) reply(id string, result interface{}, err error) {
	var encErr error
	if err != nil {
		encErr = c.enc.EncodeError(id, err)
	} else {
		encErr = c.enc.EncodeResult(id, result)
	}
	if encErr != nil {
		c.server.logger.WithError(encErr).WithField("request_id", id).Debug("Failed to send reply")
	}
}

func (c *connection) finish(id string) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.inflight {
		cancel()
	}
}

// handle dispatches one request to the backend.
func (s *Server) handle(ctx context.Context, msg *protocol.Message) (interface{}, error) {
	switch msg.Type {
	case protocol.MessageTypeSetProtocol:
		var req protocol.SetProtocolRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed set_protocol request", err)
		}
		if len(req.Handle) == 0 {
			return nil, platform.InvalidArgument("set_protocol requires a handle", nil)
		}
		return nil, s.backend.SetProtocol(ctx, req.Protocol, req.Handle)

	case protocol.MessageTypeWaitProtocol:
		var req protocol.WaitProtocolRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed wait_protocol request", err)
		}
		handle, err := s.backend.WaitProtocol(ctx, req.Protocol)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(handle)
		if err != nil {
			return nil, platform.NewError(platform.KindInternal,
				fmt.Sprintf("protocol %s handle cannot cross a devhost boundary", req.Protocol), err)
		}
		return &protocol.WaitProtocolResult{Handle: raw}, nil

	case protocol.MessageTypeDeviceAdd:
		var req protocol.DeviceAddRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed device_add request", err)
		}
		dev, err := req.DecodeDescriptor()
		if err != nil {
			return nil, platform.InvalidArgument("malformed device descriptor", err)
		}
		return nil, s.backend.DeviceAdd(ctx, dev, req.Flags)

	case protocol.MessageTypeDeviceEnable:
		var req protocol.DeviceEnableRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed device_enable request", err)
		}
		return nil, s.backend.DeviceEnable(ctx, req.VID, req.PID, req.DID, req.Enable)

	case protocol.MessageTypeGetBoardName:
		return &protocol.BoardNameResult{Name: s.backend.GetBoardName()}, nil

	case protocol.MessageTypeSetBoardInfo:
		var req protocol.SetBoardInfoRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed set_board_info request", err)
		}
		return nil, s.backend.SetBoardInfo(ctx, &req.Info)

	case protocol.MessageTypeGetMetadata:
		var req protocol.MetadataRequest
		if err := protocol.ParseParams(msg.Data, &req); err != nil {
			return nil, platform.InvalidArgument("malformed get_metadata request", err)
		}
		data, err := s.backend.Metadata(ctx, req.Triple(), req.Type, req.Extra)
		if err != nil {
			return nil, err
		}
		return &protocol.MetadataResult{Data: data}, nil

	default:
		return nil, platform.InvalidArgument(fmt.Sprintf("unsupported request %s", msg.Type), nil)
	}
}
