package platform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format of a descriptor tree, all integers big-endian:
//
//	header:     "PBUS" u16(version)
//	descriptor: str(name) u32(vid) u32(pid) u32(did)
//	            u32(n) n*{u64 base, u64 length}
//	            u32(n) n*{u32 irq, u32 mode}
//	            u32(n) n*{u32 gpio}
//	            u32(n) n*{u32 bus_id, u16 address}
//	            u32(n) n*{u32 clk}
//	            u32(n) n*{u32 iommu_index, u32 bti_id}
//	            u32(n) n*{u32 type, u32 extra, str(data)}
//	            u32(n) n*descriptor
//	str:        u32(len) bytes
//
// Metadata deferred to the boot image is encoded with a zero length payload.

const (
	wireMagic   = "PBUS"
	wireVersion = 1

	// MaxWireElements caps any single count on decode.
	MaxWireElements = 1 << 16
)

// ErrShortBuffer is returned when encoded data ends early.
var ErrShortBuffer = errors.New("platform: encoded descriptor is truncated")

// MarshalBinary encodes the descriptor tree.
func (d *DeviceDescriptor) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(wireMagic)
	_ = binary.Write(&buf, binary.BigEndian, uint16(wireVersion))
	if err := d.encode(&buf, 1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DeviceDescriptor) encode(buf *bytes.Buffer, depth int) error {
	if depth > MaxDeviceDepth {
		return fmt.Errorf("platform: device tree deeper than %d levels", MaxDeviceDepth)
	}

	putString(buf, d.Name)
	putUint32(buf, d.VID)
	putUint32(buf, d.PID)
	putUint32(buf, d.DID)

	putUint32(buf, uint32(len(d.MMIOs)))
	for _, m := range d.MMIOs {
		putUint64(buf, m.Base)
		putUint64(buf, m.Length)
	}
	putUint32(buf, uint32(len(d.IRQs)))
	for _, irq := range d.IRQs {
		putUint32(buf, irq.IRQ)
		putUint32(buf, uint32(irq.Mode))
	}
	putUint32(buf, uint32(len(d.GPIOs)))
	for _, g := range d.GPIOs {
		putUint32(buf, g.GPIO)
	}
	putUint32(buf, uint32(len(d.I2CChannels)))
	for _, c := range d.I2CChannels {
		putUint32(buf, c.BusID)
		putUint16(buf, c.Address)
	}
	putUint32(buf, uint32(len(d.Clocks)))
	for _, c := range d.Clocks {
		putUint32(buf, c.Clock)
	}
	putUint32(buf, uint32(len(d.BTIs)))
	for _, b := range d.BTIs {
		putUint32(buf, b.IOMMUIndex)
		putUint32(buf, b.BTIID)
	}
	putUint32(buf, uint32(len(d.Metadata)))
	for _, m := range d.Metadata {
		putUint32(buf, m.Type)
		putUint32(buf, m.Extra)
		putBytes(buf, m.Data)
	}
	putUint32(buf, uint32(len(d.Children)))
	for i := range d.Children {
		if err := d.Children[i].encode(buf, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalBinary decodes a descriptor tree produced by MarshalBinary.
// The result owns all of its memory.
func (d *DeviceDescriptor) UnmarshalBinary(data []byte) error {
	r := &wireReader{b: data}
	magic := r.next(len(wireMagic))
	if r.err != nil || string(magic) != wireMagic {
		return fmt.Errorf("platform: not an encoded descriptor")
	}
	if v := r.uint16(); r.err == nil && v != wireVersion {
		return fmt.Errorf("platform: unsupported descriptor encoding version %d", v)
	}

	var out DeviceDescriptor
	out.decode(r, 1)
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("platform: %d trailing bytes after descriptor", len(r.b))
	}
	*d = out
	return nil
}

func (d *DeviceDescriptor) decode(r *wireReader, depth int) {
	if depth > MaxDeviceDepth {
		r.fail(fmt.Errorf("platform: device tree deeper than %d levels", MaxDeviceDepth))
		return
	}

	d.Name = string(r.bytes())
	d.VID = r.uint32()
	d.PID = r.uint32()
	d.DID = r.uint32()

	if n := r.count(16); n > 0 {
		d.MMIOs = make([]MMIO, n)
		for i := range d.MMIOs {
			d.MMIOs[i] = MMIO{Base: r.uint64(), Length: r.uint64()}
		}
	}
	if n := r.count(8); n > 0 {
		d.IRQs = make([]IRQ, n)
		for i := range d.IRQs {
			d.IRQs[i] = IRQ{IRQ: r.uint32(), Mode: IRQMode(r.uint32())}
		}
	}
	if n := r.count(4); n > 0 {
		d.GPIOs = make([]GPIO, n)
		for i := range d.GPIOs {
			d.GPIOs[i] = GPIO{GPIO: r.uint32()}
		}
	}
	if n := r.count(6); n > 0 {
		d.I2CChannels = make([]I2CChannel, n)
		for i := range d.I2CChannels {
			d.I2CChannels[i] = I2CChannel{BusID: r.uint32(), Address: r.uint16()}
		}
	}
	if n := r.count(4); n > 0 {
		d.Clocks = make([]Clock, n)
		for i := range d.Clocks {
			d.Clocks[i] = Clock{Clock: r.uint32()}
		}
	}
	if n := r.count(8); n > 0 {
		d.BTIs = make([]BTI, n)
		for i := range d.BTIs {
			d.BTIs[i] = BTI{IOMMUIndex: r.uint32(), BTIID: r.uint32()}
		}
	}
	if n := r.count(12); n > 0 {
		d.Metadata = make([]Metadata, n)
		for i := range d.Metadata {
			m := Metadata{Type: r.uint32(), Extra: r.uint32()}
			if data := r.bytes(); len(data) > 0 {
				m.Data = append([]byte(nil), data...)
			}
			d.Metadata[i] = m
		}
	}
	if n := r.count(4); n > 0 {
		d.Children = make([]DeviceDescriptor, n)
		for i := range d.Children {
			d.Children[i].decode(r, depth+1)
			if r.err != nil {
				return
			}
		}
	}
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, p []byte) {
	putUint32(buf, uint32(len(p)))
	buf.Write(p)
}

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// wireReader consumes a byte slice, remembering the first error.
type wireReader struct {
	b   []byte
	err error
}

func (r *wireReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *wireReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.fail(ErrShortBuffer)
		return nil
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p
}

func (r *wireReader) uint16() uint16 {
	if p := r.next(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *wireReader) uint32() uint32 {
	if p := r.next(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *wireReader) uint64() uint64 {
	if p := r.next(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *wireReader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if n > uint32(len(r.b)) {
		r.fail(ErrShortBuffer)
		return nil
	}
	return r.next(int(n))
}

// count reads an element count and checks that the remaining input can
// hold that many elements of at least minSize bytes each.
func (r *wireReader) count(minSize int) int {
	n := r.uint32()
	if r.err != nil {
		return 0
	}
	if n > MaxWireElements {
		r.fail(fmt.Errorf("platform: element count %d exceeds %d", n, MaxWireElements))
		return 0
	}
	if int(n)*minSize > len(r.b) {
		r.fail(ErrShortBuffer)
		return 0
	}
	return int(n)
}
