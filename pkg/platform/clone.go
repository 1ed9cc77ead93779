package platform

// Clone returns a deep copy of the descriptor tree. The copy shares no
// memory with d, so callers may reuse d's buffers once Clone returns.
func (d *DeviceDescriptor) Clone() *DeviceDescriptor {
	if d == nil {
		return nil
	}

	c := &DeviceDescriptor{
		Name:        d.Name,
		VID:         d.VID,
		PID:         d.PID,
		DID:         d.DID,
		MMIOs:       cloneSlice(d.MMIOs),
		IRQs:        cloneSlice(d.IRQs),
		GPIOs:       cloneSlice(d.GPIOs),
		I2CChannels: cloneSlice(d.I2CChannels),
		Clocks:      cloneSlice(d.Clocks),
		BTIs:        cloneSlice(d.BTIs),
	}

	if d.Metadata != nil {
		c.Metadata = make([]Metadata, len(d.Metadata))
		for i, m := range d.Metadata {
			c.Metadata[i] = m.Clone()
		}
	}

	if d.Children != nil {
		c.Children = make([]DeviceDescriptor, len(d.Children))
		for i := range d.Children {
			c.Children[i] = *d.Children[i].Clone()
		}
	}

	return c
}

// Clone returns a copy of m with its own payload.
func (m Metadata) Clone() Metadata {
	out := Metadata{Type: m.Type, Extra: m.Extra}
	if len(m.Data) > 0 {
		out.Data = append([]byte(nil), m.Data...)
	}
	return out
}

// cloneSlice copies a slice of plain values, keeping nil as nil.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
