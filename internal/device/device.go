// Package device owns the lifetime of one accelerator: opening the node,
// validating the board, mapping the register BARs, and driving the
// fault-tolerant reset cycle. A Handle in StateMapped always has both BAR
// mappings live and a validated card type; a reset tears everything down
// before the hardware cycles and rebuilds it afterwards. TLB windows must
// never outlive a reset; callers scope them inside single operations.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/openbh/internal/blackhole"
	"github.com/tinyrange/openbh/internal/kmd"
)

// ErrRecoveryTimeout reports that the device did not re-enumerate within the
// bounded wait after a reset.
var ErrRecoveryTimeout = errors.New("device: did not return after reset")

// ErrUnsupported reports an unsupported or unrecoverable card type.
var ErrUnsupported = errors.New("device: unsupported card type")

// State tracks where a Handle is in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateValidating
	StateMapped
	StateResetting
	StateWaitingForReenumeration
	StateReopening
	StatePostReset
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateValidating:
		return "validating"
	case StateMapped:
		return "mapped"
	case StateResetting:
		return "resetting"
	case StateWaitingForReenumeration:
		return "waiting-for-reenumeration"
	case StateReopening:
		return "reopening"
	case StatePostReset:
		return "post-reset"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes the lifecycle. The zero value is production behavior.
type Options struct {
	// PollInterval between re-enumeration attempts after a reset.
	// Defaults to 200ms.
	PollInterval time.Duration

	// PollTimeout bounds the total re-enumeration wait. Defaults to 10s.
	PollTimeout time.Duration

	// Sleep is called between polls. Defaults to time.Sleep.
	Sleep func(time.Duration)

	// ConfirmReset decides whether to reset a device whose card type failed
	// validation on the first attempt. Nil means never reset.
	ConfirmReset func(reason string) bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 10 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Handle owns one open device. It is replaced-in-place across a reset: the
// descriptor, BAR mappings and card type are all rebuilt together.
type Handle struct {
	driver kmd.Driver
	opts   Options

	path     string
	state    State
	conn     kmd.Conn
	cardType string
	bdf      string
	bar0     []byte
	bar1     []byte
}

// Open opens and validates the device at path, leaving it in StateMapped.
func Open(driver kmd.Driver, path string, opts Options) (*Handle, error) {
	h := &Handle{driver: driver, opts: opts.withDefaults(), path: path}

	h.state = StateOpening
	conn, err := driver.Open(path)
	if err != nil {
		h.state = StateClosed
		return nil, fmt.Errorf("device: open: %w", err)
	}
	h.conn = conn

	if err := h.setup(false); err != nil {
		return nil, err
	}
	return h, nil
}

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.state }

// Path returns the current device node path.
func (h *Handle) Path() string { return h.path }

// CardType returns the validated card type.
func (h *Handle) CardType() string { return h.cardType }

// BDF returns the PCI identity used to re-find the device after reset.
func (h *Handle) BDF() string { return h.bdf }

// Conn returns the open driver connection. It is invalidated by Reset and
// Close.
func (h *Handle) Conn() kmd.Conn { return h.conn }

// BAR0 returns the uncached mapping of the first register BAR.
func (h *Handle) BAR0() []byte { return h.bar0 }

// BAR1 returns the uncached mapping of the second register BAR.
func (h *Handle) BAR1() []byte { return h.bar1 }

// setup validates the card type and maps the register BARs. With retried set,
// a validation failure is final; otherwise the ConfirmReset hook may elect to
// reset a board stuck in a bad state.
func (h *Handle) setup(retried bool) error {
	h.state = StateValidating

	cardType, err := h.driver.CardType(h.path)
	if err != nil {
		h.teardown()
		return fmt.Errorf("device: validate: %w", err)
	}
	h.cardType = cardType

	if !blackhole.Supported(cardType) {
		if retried {
			h.teardown()
			return fmt.Errorf("%w: still %q after reset", ErrUnsupported, cardType)
		}
		reason := fmt.Sprintf("card type %q is not supported; the board may be in a bad state", cardType)
		if h.opts.ConfirmReset != nil && h.opts.ConfirmReset(reason) {
			return h.Reset(true)
		}
		h.teardown()
		return fmt.Errorf("%w: %q", ErrUnsupported, cardType)
	}

	info, err := h.conn.DeviceInfo()
	if err != nil {
		h.teardown()
		return fmt.Errorf("device: validate: %w", err)
	}
	h.bdf = info.BDF()

	if err := h.mapBARs(); err != nil {
		h.teardown()
		return err
	}

	h.state = StateMapped
	slog.Info("device mapped", "path", h.path, "card_type", h.cardType, "bdf", h.bdf)
	return nil
}

func (h *Handle) mapBARs() error {
	mappings, err := h.conn.QueryMappings(6)
	if err != nil {
		return fmt.Errorf("device: map bars: %w", err)
	}
	if len(mappings) < 3 {
		return fmt.Errorf("device: map bars: got %d mappings, need 3", len(mappings))
	}

	// Mappings 0 and 2 are the uncached views of BAR0 and BAR1; the
	// write-combined views are unusable for register traffic and global DRAM
	// is reached through the NoC instead.
	bar0, err := h.conn.MapResource(mappings[0])
	if err != nil {
		return fmt.Errorf("device: map bars: %w", err)
	}
	bar1, err := h.conn.MapResource(mappings[2])
	if err != nil {
		h.conn.UnmapResource(bar0)
		return fmt.Errorf("device: map bars: %w", err)
	}

	h.bar0, h.bar1 = bar0, bar1
	slog.Debug("bars mapped",
		"bar0_size", fmt.Sprintf("%#x", mappings[0].Size),
		"bar1_size", fmt.Sprintf("%#x", mappings[2].Size))
	return nil
}

// teardown unmaps and closes everything. No stale mapping may survive into a
// physical reset.
func (h *Handle) teardown() {
	if h.bar0 != nil {
		h.conn.UnmapResource(h.bar0)
		h.bar0 = nil
	}
	if h.bar1 != nil {
		h.conn.UnmapResource(h.bar1)
		h.bar1 = nil
	}
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	h.state = StateClosed
}

// Close releases the device. Safe to call after a failed reset.
func (h *Handle) Close() error {
	h.teardown()
	return nil
}

// Reset drives the full recovery cycle: reset ioctl, teardown, bounded
// re-enumeration by BDF, reopen, post-reset ioctl, then re-validation with no
// second chance. dmc additionally resets the management controller.
func (h *Handle) Reset(dmc bool) error {
	if h.conn == nil {
		return fmt.Errorf("device: reset: not open")
	}

	info, err := h.conn.DeviceInfo()
	if err != nil {
		return fmt.Errorf("device: reset: %w", err)
	}
	bdf := info.BDF()

	flags := kmd.ResetASIC
	if dmc {
		flags = kmd.ResetASICDMC
	}
	slog.Info("resetting device", "bdf", bdf, "dmc", dmc)

	h.state = StateResetting
	if _, err := h.conn.ResetDevice(flags); err != nil {
		h.teardown()
		return fmt.Errorf("device: reset: %w", err)
	}
	h.teardown()

	h.state = StateWaitingForReenumeration
	path, err := h.waitForBDF(bdf)
	if err != nil {
		h.state = StateClosed
		return err
	}
	h.path = path

	h.state = StateReopening
	conn, err := h.driver.Open(path)
	if err != nil {
		h.state = StateClosed
		return fmt.Errorf("device: reopen %s: %w", path, err)
	}
	h.conn = conn

	// Without the post-reset ioctl the hardware never finishes
	// re-initialization.
	h.state = StatePostReset
	result, err := h.conn.ResetDevice(kmd.ResetPostReset)
	if err != nil {
		h.teardown()
		return fmt.Errorf("device: post-reset: %w", err)
	}
	slog.Debug("post-reset complete", "result", result)

	return h.setup(true)
}

// waitForBDF polls the device class until a node with the given PCI identity
// appears, bounded by PollTimeout.
func (h *Handle) waitForBDF(bdf string) (string, error) {
	attempts := int(h.opts.PollTimeout / h.opts.PollInterval)
	for i := 0; i < attempts; i++ {
		h.opts.Sleep(h.opts.PollInterval)
		if path := h.findByBDF(bdf); path != "" {
			slog.Debug("device re-enumerated", "path", path, "polls", i+1)
			return path, nil
		}
	}
	return "", fmt.Errorf("device %s: %w (waited %s)", bdf, ErrRecoveryTimeout, h.opts.PollTimeout)
}

func (h *Handle) findByBDF(bdf string) string {
	paths, err := h.driver.Devices()
	if err != nil {
		return ""
	}
	for _, path := range paths {
		if h.bdfForPath(path) == bdf {
			return path
		}
	}
	return ""
}

func (h *Handle) bdfForPath(path string) string {
	conn, err := h.driver.Open(path)
	if err != nil {
		return ""
	}
	defer conn.Close()

	info, err := conn.DeviceInfo()
	if err != nil {
		return ""
	}
	return info.BDF()
}
