package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/stores"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Broker is the in-process platform bus. It owns the device tree, the
// protocol registry and the board record. One mutex serializes every
// mutation; WaitProtocol parks outside of it.
type Broker struct {
	mu sync.Mutex

	opts   Options
	bootID string
	board  platform.BoardRecord

	protocols map[platform.ProtocolID]*protocolSlot

	roots    []*Node
	byPath   map[string]*Node
	nodes    int
	metadata int

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

var _ platform.Bus = (*Broker)(nil)

// New creates a broker. When opts.Store is set a boot record is written
// before New returns and broker events are appended to the store's log.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid broker options: %w", err)
	}
	if opts.ProtocolPolicy == "" {
		opts.ProtocolPolicy = ProtocolPolicyReplace
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNopTelemetry()
	}
	if opts.BootID == "" {
		opts.BootID = uuid.New().String()
	}

	b := &Broker{
		opts:      opts,
		bootID:    opts.BootID,
		board:     opts.Board,
		protocols: make(map[platform.ProtocolID]*protocolSlot),
		byPath:    make(map[string]*Node),
		tel:       opts.Telemetry,
		logger:    opts.Telemetry.Logger.NewComponentLogger("broker"),
	}

	if opts.Store != nil {
		boot := &stores.Boot{
			ID:            b.bootID,
			BoardName:     b.board.Name,
			BoardVID:      b.board.VID,
			BoardPID:      b.board.PID,
			BoardRevision: b.board.Revision,
			StartedAt:     time.Now().UTC(),
		}
		if err := opts.Store.BeginBoot(ctx, boot); err != nil {
			return nil, fmt.Errorf("failed to record boot: %w", err)
		}
		b.tel.Events.Subscribe(b.persistEvent, func(e telemetry.Event) bool {
			return e.Source == "broker" || e.Source == "policy"
		})
	}

	b.logger.WithFields(map[string]interface{}{
		"boot_id":         b.bootID,
		"board":           b.boardName(),
		"protocol_policy": string(opts.ProtocolPolicy),
	}).Info("Platform bus broker started")

	return b, nil
}

// BootID returns the id under which this broker's records are stored.
func (b *Broker) BootID() string {
	return b.bootID
}

// persistEvent appends a bus event to the store. Failures are logged only;
// the event log never fails a bus operation.
func (b *Broker) persistEvent(e telemetry.Event) {
	record := &stores.EventRecord{
		ID:        e.ID,
		BootID:    &b.bootID,
		Type:      e.Type,
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: e.Timestamp.UTC(),
	}
	if e.Device != "" {
		device := e.Device
		record.Device = &device
	}
	if e.Triple != "" {
		triple := e.Triple
		record.Triple = &triple
	}
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			s := string(data)
			record.Data = &s
		}
	}

	if err := b.opts.Store.AppendEvent(context.Background(), record); err != nil {
		b.logger.WithError(err).WithField("event", e.Type).Warn("Failed to persist bus event")
	}
}

// endOperation closes an instrumented operation, classifying err by kind.
func endOperation(op *telemetry.InstrumentedContext, err error) {
	kind := string(platform.KindOf(err))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = "canceled"
	}
	op.End(err, kind)
}
