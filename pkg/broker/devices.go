package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/policy"
	"github.com/openfroyo/pbus/pkg/stores"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// DevhostPlatformBus is the devhost of the platform bus itself.
const DevhostPlatformBus = "platform-bus"

// NodeState is the enabled state of a realized device.
type NodeState string

const (
	StateEnabled  NodeState = "enabled"
	StateDisabled NodeState = "disabled"
)

// Node is a realized device. Descriptor holds the node's own name, triple,
// resources and metadata; its Children field is always nil and the realized
// children are listed in Children instead.
type Node struct {
	ID         string                     `json:"id"`
	ParentID   string                     `json:"parent_id,omitempty"`
	Path       string                     `json:"path"`
	Devhost    string                     `json:"devhost"`
	Flags      platform.AddFlags          `json:"flags"`
	State      NodeState                  `json:"state"`
	Descriptor *platform.DeviceDescriptor `json:"descriptor"`
	Children   []*Node                    `json:"children,omitempty"`
	AddedAt    time.Time                  `json:"added_at"`
}

// Triple returns the node's vendor/product/device identity.
func (n *Node) Triple() platform.Triple {
	return n.Descriptor.Triple()
}

// Enabled reports whether the node is enabled.
func (n *Node) Enabled() bool {
	return n.State == StateEnabled
}

// Clone returns a deep copy of the node and its subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Descriptor = n.Descriptor.Clone()
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Tree rebuilds the descriptor tree the node was realized from.
func (n *Node) Tree() *platform.DeviceDescriptor {
	d := n.Descriptor.Clone()
	if len(n.Children) > 0 {
		d.Children = make([]platform.DeviceDescriptor, len(n.Children))
		for i, child := range n.Children {
			d.Children[i] = *child.Tree()
		}
	}
	return d
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Children {
		child.walk(fn)
	}
}

// DeviceAdd validates dev, vets it against the admission policies, and
// realizes it and its children as device nodes. The broker keeps its own
// copy of dev; the caller may reuse dev as soon as DeviceAdd returns.
//
// The add is all-or-nothing: on any error no node of the tree is visible.
func (b *Broker) DeviceAdd(ctx context.Context, dev *platform.DeviceDescriptor, flags platform.AddFlags) (err error) {
	if dev == nil {
		return platform.InvalidArgument("device descriptor is nil", nil).WithOperation("device_add")
	}

	// Copy before anything else reads the descriptor.
	tree := dev.Clone()
	triple := tree.Triple().String()

	op := b.tel.StartOperation(ctx, "device_add",
		telemetry.AttrDeviceName.String(tree.Name),
		telemetry.AttrDeviceTriple.String(triple),
	)
	logger := op.Logger.WithDevice(tree.Name, triple)
	defer func() {
		if err != nil {
			b.tel.Metrics.RecordDeviceAdd(string(platform.KindOf(err)), 0)
			_ = b.tel.Events.PublishDeviceRejected(tree.Name, triple, string(platform.KindOf(err)), err.Error())
			logger.WithError(err).Warn("Device add rejected")
		}
		endOperation(op, err)
	}()

	if flags&^platform.AddPbusDevhost != 0 {
		return platform.InvalidArgument(fmt.Sprintf("unknown add flags %#x", uint32(flags&^platform.AddPbusDevhost)), nil).
			WithDevice(tree.Name).
			WithOperation("device_add")
	}
	if err := tree.Validate(); err != nil {
		return err
	}
	if err := b.admit(op.Ctx, tree, flags); err != nil {
		return err
	}

	b.mu.Lock()
	root, err := b.addLocked(op.Ctx, tree, flags)
	enabled := b.enabledLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	op.Span.SetAttributes(telemetry.AttrDevhost.String(root.Devhost))
	b.tel.Metrics.RecordDeviceAdd("success", tree.Count())
	b.tel.Metrics.SetDevicesEnabled(enabled)
	root.walk(func(n *Node) {
		_ = b.tel.Events.PublishDeviceAdded(n.Descriptor.Name, n.Triple().String(), n.Devhost, 1)
	})

	logger.WithFields(map[string]interface{}{
		"id":      root.ID,
		"devhost": root.Devhost,
		"nodes":   tree.Count(),
	}).Info("Device added")

	return nil
}

// admit runs the admission policies, if any, against tree.
func (b *Broker) admit(ctx context.Context, tree *platform.DeviceDescriptor, flags platform.AddFlags) error {
	if b.opts.Policy == nil {
		return nil
	}

	b.mu.Lock()
	board := b.board
	existing := make([]string, 0, len(b.roots))
	for _, r := range b.roots {
		existing = append(existing, r.Descriptor.Name)
	}
	b.mu.Unlock()

	input := &policy.Input{
		Device: tree,
		Flags:  policy.NewFlagsInput(flags),
		Board: policy.BoardInput{
			Name:            board.Name,
			VID:             board.VID,
			PID:             board.PID,
			Revision:        board.Revision,
			AllowSharedBTIs: b.opts.AllowSharedBTIs,
		},
		Context: &policy.Context{
			Operation: "device_add",
			Timestamp: time.Now(),
			Existing:  existing,
		},
	}

	result, err := b.opts.Policy.EvaluateDevice(ctx, input)
	if err != nil {
		return platform.NewError(platform.KindInternal, "admission policy evaluation failed", err).
			WithDevice(tree.Name).
			WithOperation("device_add")
	}

	for _, w := range result.Warnings {
		_ = b.tel.Events.PublishPolicyViolation(w.Device, w.Policy, string(w.Severity), w.Message)
	}
	for _, v := range result.Violations {
		_ = b.tel.Events.PublishPolicyViolation(v.Device, v.Policy, string(v.Severity), v.Message)
	}

	if !result.Allowed {
		msgs := make([]string, 0, len(result.Violations))
		for _, v := range result.Violations {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return platform.InvalidArgument("rejected by admission policy: "+strings.Join(msgs, "; "), nil).
			WithDevice(tree.Name).
			WithOperation("device_add").
			WithDetail("violations", result.Violations)
	}

	return nil
}

// addLocked checks collisions and budgets, persists the realized tree and
// then commits it to memory. Callers hold b.mu.
func (b *Broker) addLocked(ctx context.Context, tree *platform.DeviceDescriptor, flags platform.AddFlags) (*Node, error) {
	for _, r := range b.roots {
		if r.Descriptor.Name == tree.Name {
			return nil, platform.AlreadyExists(fmt.Sprintf("a device named %q already exists", tree.Name), nil).
				WithDevice(tree.Name).
				WithOperation("device_add")
		}
		if r.Triple() == tree.Triple() {
			return nil, platform.AlreadyExists(fmt.Sprintf("device %s already exists as %q", tree.Triple(), r.Descriptor.Name), nil).
				WithDevice(tree.Name).
				WithOperation("device_add")
		}
	}

	count, size := tree.Count(), tree.MetadataBytes()
	if limit := b.opts.MaxDevices; limit > 0 && b.nodes+count > limit {
		return nil, platform.OutOfMemory(fmt.Sprintf("device limit %d reached", limit), nil).
			WithDevice(tree.Name).
			WithOperation("device_add").
			WithDetail("nodes", b.nodes).
			WithDetail("requested", count)
	}
	if limit := b.opts.MaxMetadataBytes; limit > 0 && b.metadata+size > limit {
		return nil, platform.OutOfMemory(fmt.Sprintf("metadata limit of %d bytes reached", limit), nil).
			WithDevice(tree.Name).
			WithOperation("device_add").
			WithDetail("metadata_bytes", b.metadata).
			WithDetail("requested", size)
	}

	devhost := DevhostPlatformBus
	if !flags.Has(platform.AddPbusDevhost) {
		devhost = "devhost-" + uuid.New().String()
	}

	now := time.Now().UTC()
	root := realize(tree, devhost, flags, now)

	if b.opts.Store != nil {
		records, err := b.deviceRecords(root)
		if err != nil {
			return nil, platform.NewError(platform.KindInternal, "failed to encode device tree", err).
				WithDevice(tree.Name).
				WithOperation("device_add")
		}
		if err := b.opts.Store.SaveDeviceTree(ctx, records); err != nil {
			return nil, platform.NewError(platform.KindInternal, "failed to persist device tree", err).
				WithDevice(tree.Name).
				WithOperation("device_add")
		}
	}

	b.roots = append(b.roots, root)
	root.walk(func(n *Node) {
		b.byPath[n.Path] = n
	})
	b.nodes += count
	b.metadata += size

	return root, nil
}

// realize turns a descriptor tree into nodes depth-first. Children share
// their parent's devhost.
func realize(d *platform.DeviceDescriptor, devhost string, flags platform.AddFlags, now time.Time) *Node {
	// ancestors[i] is the most recent node realized at depth i.
	var ancestors []*Node
	_ = d.Walk(func(path []string, dev *platform.DeviceDescriptor) error {
		own := *dev
		own.Children = nil

		n := &Node{
			ID:         uuid.New().String(),
			Path:       strings.Join(path, "/"),
			Devhost:    devhost,
			Flags:      flags,
			State:      StateEnabled,
			Descriptor: &own,
			AddedAt:    now,
		}

		depth := len(path) - 1
		ancestors = append(ancestors[:depth], n)
		if depth > 0 {
			parent := ancestors[depth-1]
			n.ParentID = parent.ID
			parent.Children = append(parent.Children, n)
		}
		return nil
	})
	return ancestors[0]
}

// deviceRecords flattens a realized tree into store rows, parents first.
func (b *Broker) deviceRecords(root *Node) ([]*stores.DeviceRecord, error) {
	var records []*stores.DeviceRecord
	var err error
	root.walk(func(n *Node) {
		if err != nil {
			return
		}
		var blob []byte
		blob, err = n.Descriptor.MarshalBinary()
		if err != nil {
			return
		}

		record := &stores.DeviceRecord{
			ID:         n.ID,
			BootID:     b.bootID,
			Path:       n.Path,
			Name:       n.Descriptor.Name,
			VID:        n.Descriptor.VID,
			PID:        n.Descriptor.PID,
			DID:        n.Descriptor.DID,
			Devhost:    n.Devhost,
			Flags:      uint32(n.Flags),
			Enabled:    n.Enabled(),
			Descriptor: blob,
			CreatedAt:  n.AddedAt,
			UpdatedAt:  n.AddedAt,
		}
		if n.ParentID != "" {
			parentID := n.ParentID
			record.ParentID = &parentID
		}
		for i, m := range n.Descriptor.Metadata {
			record.Metadata = append(record.Metadata, stores.MetadataRecord{
				Seq:   i,
				Type:  m.Type,
				Extra: m.Extra,
				Data:  m.Data,
			})
		}
		records = append(records, record)
	})
	return records, err
}

// DeviceEnable enables or disables the top-level device with the given
// triple together with its children. Setting the current state succeeds
// without side effects.
func (b *Broker) DeviceEnable(ctx context.Context, vid, pid, did uint32, enable bool) (err error) {
	triple := platform.Triple{VID: vid, PID: pid, DID: did}
	op := b.tel.StartOperation(ctx, "device_enable", telemetry.AttrDeviceTriple.String(triple.String()))
	defer func() { endOperation(op, err) }()

	state := StateDisabled
	if enable {
		state = StateEnabled
	}

	b.mu.Lock()
	root := b.rootLocked(triple)
	if root == nil {
		b.mu.Unlock()
		return platform.NotFound(fmt.Sprintf("no device %s", triple), nil).WithOperation("device_enable")
	}
	if root.State == state {
		b.mu.Unlock()
		return nil
	}

	if b.opts.Store != nil {
		if err := b.opts.Store.UpdateDeviceState(op.Ctx, root.ID, enable); err != nil {
			b.mu.Unlock()
			return platform.NewError(platform.KindInternal, "failed to persist device state", err).
				WithDevice(root.Descriptor.Name).
				WithOperation("device_enable")
		}
	}

	root.walk(func(n *Node) { n.State = state })
	name := root.Descriptor.Name
	enabled := b.enabledLocked()
	b.mu.Unlock()

	b.tel.Metrics.RecordStateChange(string(state))
	b.tel.Metrics.SetDevicesEnabled(enabled)
	_ = b.tel.Events.PublishDeviceStateChanged(name, triple.String(), enable)

	op.Logger.WithDevice(name, triple.String()).
		WithField("state", string(state)).
		Info("Device state changed")

	return nil
}

// rootLocked finds a top-level node by triple. Callers hold b.mu.
func (b *Broker) rootLocked(triple platform.Triple) *Node {
	for _, r := range b.roots {
		if r.Triple() == triple {
			return r
		}
	}
	return nil
}

// enabledLocked counts enabled nodes. Callers hold b.mu.
func (b *Broker) enabledLocked() int {
	n := 0
	for _, r := range b.roots {
		r.walk(func(node *Node) {
			if node.Enabled() {
				n++
			}
		})
	}
	return n
}

// Device returns a copy of the top-level device with the given triple.
func (b *Broker) Device(vid, pid, did uint32) (*Node, error) {
	triple := platform.Triple{VID: vid, PID: pid, DID: did}

	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.rootLocked(triple)
	if root == nil {
		return nil, platform.NotFound(fmt.Sprintf("no device %s", triple), nil)
	}
	return root.Clone(), nil
}

// Lookup returns a copy of the node at path, for example "sd-emmc/sdio-wifi".
func (b *Broker) Lookup(path string) (*Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.byPath[path]
	if !ok {
		return nil, platform.NotFound(fmt.Sprintf("no device at %q", path), nil)
	}
	return n.Clone(), nil
}

// Devices returns copies of all top-level devices in the order they were added.
func (b *Broker) Devices() []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Node, len(b.roots))
	for i, r := range b.roots {
		out[i] = r.Clone()
	}
	return out
}
