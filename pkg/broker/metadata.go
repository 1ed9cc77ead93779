package broker

import (
	"context"
	"fmt"

	"github.com/openfroyo/pbus/pkg/platform"
	"github.com/openfroyo/pbus/pkg/telemetry"
)

// Metadata returns a copy of the metadata payload of type metaType and
// extra recorded on the first device, in add order, with the given triple.
// A record submitted without payload is resolved through the boot items.
func (b *Broker) Metadata(ctx context.Context, triple platform.Triple, metaType, extra uint32) (data []byte, err error) {
	op := b.tel.StartOperation(ctx, "get_metadata", telemetry.AttrDeviceTriple.String(triple.String()))
	defer func() { endOperation(op, err) }()

	var (
		found    bool
		deferred bool
	)

	b.mu.Lock()
	for _, r := range b.roots {
		r.walk(func(n *Node) {
			if found || n.Triple() != triple {
				return
			}
			for _, m := range n.Descriptor.Metadata {
				if m.Type != metaType || m.Extra != extra {
					continue
				}
				found = true
				if m.FromBootImage() {
					deferred = true
				} else {
					data = append([]byte(nil), m.Data...)
				}
				return
			}
		})
		if found {
			break
		}
	}
	b.mu.Unlock()

	if !found {
		return nil, platform.NotFound(fmt.Sprintf("no metadata %#x/%#x on device %s", metaType, extra, triple), nil).
			WithOperation("get_metadata")
	}
	if !deferred {
		return data, nil
	}

	if b.opts.BootItems != nil {
		if item, ok := b.opts.BootItems.Lookup(metaType, extra); ok {
			return item, nil
		}
	}
	return nil, platform.NotFound(fmt.Sprintf("no boot item %#x/%#x for device %s", metaType, extra, triple), nil).
		WithOperation("get_metadata")
}
