// Package sim is an in-memory model of one accelerator behind the kernel
// driver. It implements kmd.Conn and kmd.Driver so the window subsystem,
// harvesting detector, firmware uploader and reset state machine can be
// exercised without hardware.
//
// Window semantics: a mapped window buffer is loaded from the per-tile store
// when the TLB is configured and flushed back when it is reconfigured, freed
// or the conn closes. Flushes write only the bytes that changed since the
// load, replicated to every tile in the rectangle for multicast windows, and
// are recorded as events so tests can assert ordering.
package sim

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/kmd"
)

const pageSize = 4096

// EventKind classifies recorded chip events.
type EventKind int

const (
	EventAllocate EventKind = iota
	EventConfigure
	EventFlush
	EventFree
	EventReset
)

// Span is one contiguous run of bytes written by a window flush, addressed in
// NoC space.
type Span struct {
	Addr uint64
	Data []byte
}

// Event is one recorded chip interaction.
type Event struct {
	Kind  EventKind
	TLB   uint32
	Cfg   kmd.NocTLBConfig
	Flags uint32 // reset events
	Spans []Span // flush events
}

// Options configures a simulated chip.
type Options struct {
	// CardType is the sysfs card type string. Defaults to "p100a".
	CardType string

	// CardTypeAfterReset, if set, replaces CardType once the device comes
	// back from a reset. Models a board recovering from a bad state.
	CardTypeAfterReset string

	PCIDomain uint16
	BusDevFn  uint16

	// Telemetry maps tag to value for the published telemetry table. Nil
	// selects a default table with logical columns 3 and 12 and bank 2
	// harvested.
	Telemetry map[uint16]uint32

	// TelemetryPtr is the CSM address of the table. Zero selects a default
	// in-bounds address.
	TelemetryPtr uint64

	// NotReady publishes a zero telemetry pointer regardless of TelemetryPtr.
	NotReady bool

	// MaxWindows bounds concurrently allocated TLB slots. Defaults to 255.
	MaxWindows int

	// ComebackPolls is the number of Devices() enumeration calls after a
	// reset before the node reappears. Negative means it never comes back.
	ComebackPolls int
}

type tileKey struct {
	x, y uint16
}

type window struct {
	id         uint32
	size       uint64
	buf        []byte
	pristine   []byte
	cfg        kmd.NocTLBConfig
	configured bool
}

// Chip is one simulated device.
type Chip struct {
	opts     Options
	cardType string

	down     bool
	comeback int

	nextID  uint32
	windows map[uint32]*window
	tiles   map[tileKey]map[uint64][]byte

	openConns int
	events    []Event
}

// TensixMaskDisabling returns the default enabled-tensix mask with the bits
// for the given logical NoC columns cleared.
func TensixMaskDisabling(cols ...int) uint32 {
	mask := blackhole.DefaultTensixEnabled
	for _, col := range cols {
		for pos, loc := range blackhole.HarvestingNoCLocations {
			if loc == col {
				mask &^= 1 << pos
			}
		}
	}
	return mask
}

// GDDRMaskDisabling returns the default enabled-gddr mask with the given
// banks cleared.
func GDDRMaskDisabling(banks ...int) uint32 {
	mask := blackhole.DefaultGDDREnabled
	for _, bank := range banks {
		mask &^= 1 << bank
	}
	return mask
}

// New builds a chip and publishes its telemetry table.
func New(opts Options) *Chip {
	if opts.CardType == "" {
		opts.CardType = "p100a"
	}
	if opts.MaxWindows == 0 {
		opts.MaxWindows = 255
	}
	if opts.TelemetryPtr == 0 {
		opts.TelemetryPtr = blackhole.CSMStart + 0x1_0000
	}
	if opts.Telemetry == nil {
		opts.Telemetry = map[uint16]uint32{
			blackhole.TagTensixEnabled: TensixMaskDisabling(3, 12),
			blackhole.TagEthEnabled:    blackhole.DefaultEthEnabled,
			blackhole.TagGDDREnabled:   GDDRMaskDisabling(2),
			blackhole.TagPCIEUsage:     blackhole.DefaultPCIEUsage,
		}
	}

	c := &Chip{
		opts:     opts,
		cardType: opts.CardType,
		windows:  make(map[uint32]*window),
		tiles:    make(map[tileKey]map[uint64][]byte),
	}
	c.publishTelemetry()
	return c
}

func (c *Chip) publishTelemetry() {
	arc := tileKey{blackhole.ARCX, blackhole.ARCY}

	ptr := c.opts.TelemetryPtr
	if c.opts.NotReady {
		ptr = 0
	}
	c.poke32(arc, blackhole.ARCNoCBase+blackhole.ARCScratchRAM13, uint32(ptr))
	if ptr == 0 {
		return
	}

	tags := make([]uint16, 0, len(c.opts.Telemetry))
	for tag := range c.opts.Telemetry {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	count := uint32(len(tags))
	c.poke32(arc, ptr+0, 1) // table version
	c.poke32(arc, ptr+4, count)

	tagsBase := ptr + 8
	dataBase := tagsBase + uint64(count)*4
	for i, tag := range tags {
		c.poke32(arc, tagsBase+uint64(i)*4, uint32(tag)|uint32(i)<<16)
		c.poke32(arc, dataBase+uint64(i)*4, c.opts.Telemetry[tag])
	}
}

func (c *Chip) tile(key tileKey) map[uint64][]byte {
	t, ok := c.tiles[key]
	if !ok {
		t = make(map[uint64][]byte)
		c.tiles[key] = t
	}
	return t
}

func (c *Chip) tileWrite(key tileKey, addr uint64, data []byte) {
	t := c.tile(key)
	for i := 0; i < len(data); {
		page := (addr + uint64(i)) / pageSize
		off := (addr + uint64(i)) % pageSize
		buf, ok := t[page]
		if !ok {
			buf = make([]byte, pageSize)
			t[page] = buf
		}
		n := copy(buf[off:], data[i:])
		i += n
	}
}

func (c *Chip) tileRead(key tileKey, addr uint64, data []byte) {
	t := c.tile(key)
	for i := 0; i < len(data); {
		page := (addr + uint64(i)) / pageSize
		off := (addr + uint64(i)) % pageSize
		buf, ok := t[page]
		if !ok {
			n := copy(data[i:], make([]byte, pageSize-off))
			i += n
			continue
		}
		n := copy(data[i:], buf[off:])
		i += n
	}
}

func (c *Chip) poke32(key tileKey, addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c.tileWrite(key, addr, b[:])
}

// TileRead32 reads a word from a tile's backing store. Test helper.
func (c *Chip) TileRead32(x, y uint16, addr uint64) uint32 {
	var b [4]byte
	c.tileRead(tileKey{x, y}, addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// TileBytes reads n bytes from a tile's backing store. Test helper.
func (c *Chip) TileBytes(x, y uint16, addr uint64, n int) []byte {
	b := make([]byte, n)
	c.tileRead(tileKey{x, y}, addr, b)
	return b
}

// Events returns every recorded event in order.
func (c *Chip) Events() []Event { return c.events }

// OpenWindows returns the number of TLB slots currently allocated.
func (c *Chip) OpenWindows() int { return len(c.windows) }

// OpenConns returns the number of open device handles.
func (c *Chip) OpenConns() int { return c.openConns }

func (c *Chip) record(e Event) { c.events = append(c.events, e) }

func (c *Chip) flush(w *window) {
	if !w.configured {
		return
	}

	var spans []Span
	for i := 0; i < len(w.buf); {
		if w.buf[i] == w.pristine[i] {
			i++
			continue
		}
		j := i
		for j < len(w.buf) && w.buf[j] != w.pristine[j] {
			j++
		}
		spans = append(spans, Span{
			Addr: w.cfg.Addr + uint64(i),
			Data: append([]byte(nil), w.buf[i:j]...),
		})
		i = j
	}
	if len(spans) == 0 {
		return
	}

	for x := w.cfg.XStart; x <= w.cfg.XEnd; x++ {
		for y := w.cfg.YStart; y <= w.cfg.YEnd; y++ {
			for _, s := range spans {
				c.tileWrite(tileKey{x, y}, s.Addr, s.Data)
			}
			if w.cfg.Mcast == 0 {
				break
			}
		}
		if w.cfg.Mcast == 0 {
			break
		}
	}

	c.record(Event{Kind: EventFlush, TLB: w.id, Cfg: w.cfg, Spans: spans})
}

func (c *Chip) load(w *window, cfg kmd.NocTLBConfig) {
	c.tileRead(tileKey{cfg.XStart, cfg.YStart}, cfg.Addr, w.buf)
	copy(w.pristine, w.buf)
	w.cfg = cfg
	w.configured = true
}

// conn is one open handle on the chip.
type conn struct {
	chip   *Chip
	closed bool
}

// Open returns a new handle on the chip, as Driver.Open would.
func (c *Chip) Open() (kmd.Conn, error) {
	if c.down {
		return nil, fmt.Errorf("sim: device not present")
	}
	c.openConns++
	return &conn{chip: c}, nil
}

func (n *conn) check() error {
	if n.closed {
		return fmt.Errorf("sim: use of closed conn")
	}
	if n.chip.down {
		return fmt.Errorf("sim: device gone")
	}
	return nil
}

func (n *conn) DeviceInfo() (kmd.DeviceInfo, error) {
	if err := n.check(); err != nil {
		return kmd.DeviceInfo{}, err
	}
	return kmd.DeviceInfo{
		VendorID:  0x1E52,
		DeviceID:  0xB140,
		BusDevFn:  n.chip.opts.BusDevFn,
		PCIDomain: n.chip.opts.PCIDomain,
	}, nil
}

func (n *conn) QueryMappings(count int) ([]kmd.Mapping, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	mappings := make([]kmd.Mapping, 0, count)
	for i := 0; i < count; i++ {
		mappings = append(mappings, kmd.Mapping{
			ID:   uint32(i + 1),
			Base: uint64(i) << 28,
			Size: 1 << 20,
		})
	}
	return mappings, nil
}

func (n *conn) ResetDevice(flags uint32) (uint32, error) {
	if err := n.check(); err != nil {
		return 0, err
	}
	n.chip.record(Event{Kind: EventReset, Flags: flags})

	switch flags {
	case kmd.ResetASIC, kmd.ResetASICDMC:
		n.chip.down = true
		n.chip.comeback = n.chip.opts.ComebackPolls
		// A physical reset invalidates every TLB slot.
		n.chip.windows = make(map[uint32]*window)
	case kmd.ResetPostReset:
	default:
		return 0, fmt.Errorf("sim: unknown reset flags %d", flags)
	}
	return 0, nil
}

func (n *conn) AllocateTLB(size uint64) (kmd.TLBAllocation, error) {
	if err := n.check(); err != nil {
		return kmd.TLBAllocation{}, err
	}
	if len(n.chip.windows) >= n.chip.opts.MaxWindows {
		return kmd.TLBAllocation{}, fmt.Errorf("sim: out of tlb slots (%d allocated)", len(n.chip.windows))
	}

	n.chip.nextID++
	w := &window{id: n.chip.nextID, size: size, buf: make([]byte, size), pristine: make([]byte, size)}
	n.chip.windows[w.id] = w
	n.chip.record(Event{Kind: EventAllocate, TLB: w.id})

	return kmd.TLBAllocation{
		ID:           w.id,
		MmapOffsetUC: uint64(w.id) << 32,
		MmapOffsetWC: uint64(w.id)<<32 | 1<<24,
	}, nil
}

func (n *conn) FreeTLB(id uint32) error {
	if err := n.check(); err != nil {
		return err
	}
	w, ok := n.chip.windows[id]
	if !ok {
		return fmt.Errorf("sim: free of unknown tlb %d", id)
	}
	n.chip.flush(w)
	delete(n.chip.windows, id)
	n.chip.record(Event{Kind: EventFree, TLB: id})
	return nil
}

func (n *conn) ConfigureTLB(id uint32, cfg kmd.NocTLBConfig) error {
	if err := n.check(); err != nil {
		return err
	}
	w, ok := n.chip.windows[id]
	if !ok {
		return fmt.Errorf("sim: configure of unknown tlb %d", id)
	}
	if cfg.Addr%w.size != 0 {
		return fmt.Errorf("sim: tlb %d base %#x not aligned to %#x", id, cfg.Addr, w.size)
	}
	if cfg.XEnd < cfg.XStart || cfg.YEnd < cfg.YStart {
		return fmt.Errorf("sim: tlb %d inverted rectangle", id)
	}

	n.chip.flush(w)
	n.chip.load(w, cfg)
	n.chip.record(Event{Kind: EventConfigure, TLB: id, Cfg: cfg})
	return nil
}

func (n *conn) MapTLB(alloc kmd.TLBAllocation, size uint64) (uc, wc []byte, err error) {
	if err := n.check(); err != nil {
		return nil, nil, err
	}
	w, ok := n.chip.windows[alloc.ID]
	if !ok {
		return nil, nil, fmt.Errorf("sim: map of unknown tlb %d", alloc.ID)
	}
	if size != w.size {
		return nil, nil, fmt.Errorf("sim: map size %#x does not match allocation %#x", size, w.size)
	}
	// Both views share the same backing, as on hardware.
	return w.buf, w.buf, nil
}

func (n *conn) UnmapTLB(uc, wc []byte) error {
	if n.closed {
		return fmt.Errorf("sim: use of closed conn")
	}
	return nil
}

func (n *conn) MapResource(m kmd.Mapping) ([]byte, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	return make([]byte, m.Size), nil
}

func (n *conn) UnmapResource(b []byte) error { return nil }

func (n *conn) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.chip.openConns--
	// The kernel frees slots held by a closing handle.
	for id, w := range n.chip.windows {
		n.chip.flush(w)
		delete(n.chip.windows, id)
	}
	return nil
}

// Driver serves one or more simulated chips as a device class.
type Driver struct {
	chips map[string]*Chip
	order []string
}

// NewDriver builds a Driver serving chip at the given node path.
func NewDriver(path string, chip *Chip) *Driver {
	return &Driver{chips: map[string]*Chip{path: chip}, order: []string{path}}
}

// Add registers another chip.
func (d *Driver) Add(path string, chip *Chip) {
	d.chips[path] = chip
	d.order = append(d.order, path)
}

// Devices implements kmd.Driver. Each call advances the reappearance clock of
// any chip that is down, modelling one re-enumeration poll.
func (d *Driver) Devices() ([]string, error) {
	var paths []string
	for _, path := range d.order {
		chip := d.chips[path]
		if chip.down {
			if chip.comeback == 0 {
				chip.down = false
				if chip.opts.CardTypeAfterReset != "" {
					chip.cardType = chip.opts.CardTypeAfterReset
				}
			} else if chip.comeback > 0 {
				chip.comeback--
				continue
			} else {
				continue
			}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Open implements kmd.Driver.
func (d *Driver) Open(path string) (kmd.Conn, error) {
	chip, ok := d.chips[path]
	if !ok {
		return nil, fmt.Errorf("sim: no device at %s", path)
	}
	return chip.Open()
}

// CardType implements kmd.Driver.
func (d *Driver) CardType(path string) (string, error) {
	chip, ok := d.chips[path]
	if !ok || chip.down {
		return "", fmt.Errorf("sim: no device at %s", path)
	}
	return chip.cardType, nil
}
