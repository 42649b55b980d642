package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
)

var (
	// ErrFrameTooLarge is returned for a frame whose length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrUnknownType is returned for a frame with an unknown type tag.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrTruncated is returned when a payload ends before a field is complete.
	ErrTruncated = errors.New("protocol: truncated payload")
)

const (
	// MaxFrameSize caps a single frame payload.
	MaxFrameSize = 64 * 1024 * 1024

	frameHeaderSize = 5  // type:1 length:4
	msgHeaderSize   = 14 // frameID:8 source:4 hops:2
)

func errUnknownType(t Type) error {
	return fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// typeOf returns the tag of a concrete message.
func typeOf(m Message) Type {
	switch m.(type) {
	case *Connect:
		return TypeConnect
	case *ConnectResponse:
		return TypeConnectResponse
	case *Disconnect:
		return TypeDisconnect
	case *Heartbeat:
		return TypeHeartbeat
	case *Discovery:
		return TypeDiscovery
	case *Election:
		return TypeElection
	case *Notification:
		return TypeNotification
	case *Update:
		return TypeUpdate
	case *Commit:
		return TypeCommit
	}
	return 0
}

// Encode serializes m into a complete frame:
// [type:1][length:4][frameID:8][source:4][hops:2][body].
// The header type is set from the concrete message type.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	h.Type = typeOf(m)

	e := &encoder{}
	e.u64(h.FrameID)
	e.i32(h.Source)
	e.u16(h.Hops)
	m.encodeBody(e)

	payload := e.buf.Bytes()
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = byte(h.Type)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// Decode parses a message of type t from payload.
func Decode(t Type, payload []byte) (Message, error) {
	m, err := New(t)
	if err != nil {
		return nil, err
	}
	d := &decoder{data: payload}
	h := m.Head()
	h.FrameID = d.u64()
	h.Source = d.i32()
	h.Hops = d.u16()
	m.decodeBody(d)
	if d.err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", t, d.err)
	}
	return m, nil
}

// WriteFrame encodes m and writes it to w in a single call.
func WriteFrame(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads and decodes one message from r.
func ReadFrame(r io.Reader) (Message, error) {
	tag, payload, err := ReadPacket(r)
	if err != nil {
		return nil, err
	}
	return Decode(Type(tag), payload)
}

// WritePacket writes a raw frame with the ring framing. The API port uses it
// for JSON bodies.
func WritePacket(w io.Writer, tag uint8, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = tag
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadPacket reads one raw frame and returns its tag and payload.
func ReadPacket(r io.Reader) (uint8, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(header[1:5])
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, nil, err
		}
	}
	return header[0], payload, nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i32(v int)   { e.u32(uint32(int32(v))) }
func (e *encoder) i64(v int64) { e.u64(uint64(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *encoder) string(v string) {
	e.u16(uint16(len(v)))
	e.buf.WriteString(v)
}

func (e *encoder) ids(v []int) {
	e.u16(uint16(len(v)))
	for _, id := range v {
		e.i32(id)
	}
}

func (e *encoder) versions(v Versions) {
	files := make([]int, 0, len(v))
	for f := range v {
		files = append(files, int(f))
	}
	sort.Ints(files)
	e.u8(uint8(len(files)))
	for _, f := range files {
		e.u8(uint8(f))
		e.i64(v[configstore.ConfigFile(f)])
	}
}

// decoder reads fields in order and records the first error; later reads
// return zero values.
type decoder struct {
	err  error
	data []byte
	off  int
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = ErrTruncated
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i32() int   { return int(int32(d.u32())) }
func (d *decoder) i64() int64 { return int64(d.u64()) }
func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) bytes() []byte {
	n := d.u32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	return string(d.take(int(d.u16())))
}

func (d *decoder) ids() []int {
	n := int(d.u16())
	if n == 0 || d.err != nil {
		return nil
	}
	out := make([]int, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.i32())
	}
	return out
}

func (d *decoder) versions() Versions {
	n := int(d.u8())
	out := make(Versions, n)
	for i := 0; i < n && d.err == nil; i++ {
		f := configstore.ConfigFile(d.u8())
		out[f] = d.i64()
	}
	return out
}

func (m *Connect) encodeBody(e *encoder) {
	e.i32(m.Target)
	e.u16(m.ProtocolVersion)
	e.string(m.SoftwareVersion)
	e.versions(m.Versions)
}

func (m *Connect) decodeBody(d *decoder) {
	m.Target = d.i32()
	m.ProtocolVersion = d.u16()
	m.SoftwareVersion = d.string()
	m.Versions = d.versions()
}

func (m *ConnectResponse) encodeBody(e *encoder) {
	e.u8(uint8(m.Status))
	e.string(m.SoftwareVersion)
	e.versions(m.Versions)
}

func (m *ConnectResponse) decodeBody(d *decoder) {
	m.Status = Status(d.u8())
	m.SoftwareVersion = d.string()
	m.Versions = d.versions()
}

func (m *Disconnect) encodeBody(*encoder) {}
func (m *Disconnect) decodeBody(*decoder) {}
func (m *Heartbeat) encodeBody(*encoder)  {}
func (m *Heartbeat) decodeBody(*decoder)  {}

const (
	flagEligible = 1 << iota
	flagMaster
	flagViceMaster
)

func (m *Discovery) encodeBody(e *encoder) {
	e.u8(uint8(m.Phase))
	e.u16(uint16(len(m.Nodes)))
	for _, n := range m.Nodes {
		var flags uint8
		if n.Eligible {
			flags |= flagEligible
		}
		if n.Master {
			flags |= flagMaster
		}
		if n.ViceMaster {
			flags |= flagViceMaster
		}
		e.i32(n.ID)
		e.u32(uint32(n.Disks))
		e.u8(flags)
	}
}

func (m *Discovery) decodeBody(d *decoder) {
	m.Phase = DiscoveryPhase(d.u8())
	n := int(d.u16())
	m.Nodes = make([]NodeStatus, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		id := d.i32()
		disks := int(d.u32())
		flags := d.u8()
		m.Nodes = append(m.Nodes, NodeStatus{
			ID:         id,
			Disks:      disks,
			Eligible:   flags&flagEligible != 0,
			Master:     flags&flagMaster != 0,
			ViceMaster: flags&flagViceMaster != 0,
		})
	}
}

func (m *Election) encodeBody(e *encoder) {
	e.u8(uint8(m.Office))
	e.i32(m.Candidate)
	e.bool(m.NotifyOnly)
}

func (m *Election) decodeBody(d *decoder) {
	m.Office = cluster.Office(d.u8())
	m.Candidate = d.i32()
	m.NotifyOnly = d.bool()
}

func (m *Notification) encodeBody(e *encoder) {
	e.bool(m.Eligible)
	e.u32(uint32(m.Disks))
}

func (m *Notification) decodeBody(d *decoder) {
	m.Eligible = d.bool()
	m.Disks = int(d.u32())
}

func (m *Update) encodeBody(e *encoder) {
	e.u8(uint8(m.File))
	e.i64(m.Version)
	e.bool(m.Wipe)
	e.bytes(m.Content)
	e.string(m.Checksum)
	e.ids(m.Acks)
	e.ids(m.Nacks)
}

func (m *Update) decodeBody(d *decoder) {
	m.File = configstore.ConfigFile(d.u8())
	m.Version = d.i64()
	m.Wipe = d.bool()
	m.Content = d.bytes()
	if len(m.Content) == 0 {
		m.Content = nil
	}
	m.Checksum = d.string()
	m.Acks = d.ids()
	m.Nacks = d.ids()
}

func (m *Commit) encodeBody(e *encoder) {
	e.u8(uint8(m.File))
	e.i64(m.Version)
	e.ids(m.Acks)
	e.ids(m.Nacks)
}

func (m *Commit) decodeBody(d *decoder) {
	m.File = configstore.ConfigFile(d.u8())
	m.Version = d.i64()
	m.Acks = d.ids()
	m.Nacks = d.ids()
}

// Clone returns a deep copy of m by round-tripping it through the codec.
func Clone(m Message) (Message, error) {
	frame, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Decode(Type(frame[0]), frame[frameHeaderSize:])
}
