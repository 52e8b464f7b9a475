package wlandp

import (
	"fmt"
	"time"

	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/intr"
	"github.com/slackhq/wlandp/linkdesc"
)

const (
	MaxTxRings = 3
	MaxRxRings = 4
	MaxPDevs   = 3

	// rxReleaseInstance is the WBM2SWRelease instance after the Tx
	// completion rings that carries Rx buffer releases.
	rxReleaseInstance = MaxTxRings

	DefaultMaxClients = 64
	DefaultBudget     = 64
	DefaultRxBufSize  = 2048
)

// RingSizes is the number of entries of every ring the SoC sets up.
type RingSizes struct {
	TCLData      int
	TxCompletion int
	REODest      int
	REOException int
	RxRelease    int
	REOStatus    int
	REOCmd       int
	TCLCmd       int
	RxRefill     int
}

var DefaultRingSizes = RingSizes{
	TCLData:      1024,
	TxCompletion: 1024,
	REODest:      1024,
	REOException: 256,
	RxRelease:    1024,
	REOStatus:    128,
	REOCmd:       128,
	TCLCmd:       32,
	RxRefill:     4096,
}

type SoCConfig struct {
	MaxClients   int
	MaxAllocSize int
	TxRings      int
	RxRings      int
	PDevs        int
	RxBufSize    int
	RingSizes    RingSizes

	InterruptMode intr.Mode
	Budget        int
	PollPeriod    time.Duration
	Masks         intr.MaskTable
}

func DefaultSoCConfig() SoCConfig {
	return SoCConfig{
		MaxClients:    DefaultMaxClients,
		MaxAllocSize:  linkdesc.DefaultMaxAllocSize,
		TxRings:       MaxTxRings,
		RxRings:       MaxRxRings,
		PDevs:         1,
		RxBufSize:     DefaultRxBufSize,
		RingSizes:     DefaultRingSizes,
		InterruptMode: intr.ModeEvent,
		Budget:        DefaultBudget,
		PollPeriod:    intr.DefaultPollPeriod,
		Masks:         intr.DefaultMaskTable,
	}
}

// NewSoCConfigFromConfig reads the soc and interrupts sections, falling back
// to DefaultSoCConfig for anything not set.
func NewSoCConfigFromConfig(c *config.C) (SoCConfig, error) {
	d := DefaultSoCConfig()

	mode, err := intr.ParseMode(c.GetString("interrupts.mode", d.InterruptMode.String()))
	if err != nil {
		return SoCConfig{}, err
	}

	rs := d.RingSizes
	cfg := SoCConfig{
		MaxClients:   c.GetInt("soc.max_clients", d.MaxClients),
		MaxAllocSize: c.GetByteSize("soc.max_alloc_size", d.MaxAllocSize),
		TxRings:      c.GetInt("soc.tx_rings", d.TxRings),
		RxRings:      c.GetInt("soc.rx_rings", d.RxRings),
		PDevs:        c.GetInt("soc.pdevs", d.PDevs),
		RxBufSize:    c.GetByteSize("soc.rx_buf_size", d.RxBufSize),
		RingSizes: RingSizes{
			TCLData:      c.GetInt("soc.ring_sizes.tcl_data", rs.TCLData),
			TxCompletion: c.GetInt("soc.ring_sizes.tx_completion", rs.TxCompletion),
			REODest:      c.GetInt("soc.ring_sizes.reo_dest", rs.REODest),
			REOException: c.GetInt("soc.ring_sizes.reo_exception", rs.REOException),
			RxRelease:    c.GetInt("soc.ring_sizes.rx_release", rs.RxRelease),
			REOStatus:    c.GetInt("soc.ring_sizes.reo_status", rs.REOStatus),
			REOCmd:       c.GetInt("soc.ring_sizes.reo_cmd", rs.REOCmd),
			TCLCmd:       c.GetInt("soc.ring_sizes.tcl_cmd", rs.TCLCmd),
			RxRefill:     c.GetInt("soc.ring_sizes.rx_refill", rs.RxRefill),
		},
		InterruptMode: mode,
		Budget:        c.GetInt("interrupts.budget", d.Budget),
		PollPeriod:    c.GetDuration("interrupts.poll_period", d.PollPeriod),
		Masks:         d.Masks,
	}

	if c.IsSet("interrupts.contexts") {
		raw := c.GetMapSlice("interrupts.contexts", nil)
		if raw == nil {
			return SoCConfig{}, fmt.Errorf("interrupts.contexts must be a list of mask maps")
		}
		cfg.Masks, err = parseMaskTable(raw)
		if err != nil {
			return SoCConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return SoCConfig{}, err
	}
	return cfg, nil
}

var maskKeys = map[string]func(*intr.Masks) *uint32{
	"tx":         func(m *intr.Masks) *uint32 { return &m.Tx },
	"rx":         func(m *intr.Masks) *uint32 { return &m.Rx },
	"rx_err":     func(m *intr.Masks) *uint32 { return &m.RxErr },
	"rx_wbm_rel": func(m *intr.Masks) *uint32 { return &m.RxWBMRel },
	"reo_status": func(m *intr.Masks) *uint32 { return &m.REOStatus },
}

func parseMaskTable(raw []map[string]any) (intr.MaskTable, error) {
	table := make(intr.MaskTable, len(raw))
	for i, entry := range raw {
		for k, v := range entry {
			field, ok := maskKeys[k]
			if !ok {
				return nil, fmt.Errorf("interrupts.contexts[%d]: unknown mask %q", i, k)
			}
			n, ok := config.AsUint32(v)
			if !ok {
				return nil, fmt.Errorf("interrupts.contexts[%d].%s: %v is not a 32 bit mask", i, k, v)
			}
			*field(&table[i]) = n
		}
	}
	return table, nil
}

// Validate checks the limits NewSoC relies on. Errors wrap
// hal.ErrConfiguration.
func (cfg SoCConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", hal.ErrConfiguration, fmt.Sprintf(format, args...))
	}

	switch {
	case cfg.MaxClients <= 0:
		return bad("soc.max_clients must be positive, got %d", cfg.MaxClients)
	case cfg.TxRings < 1 || cfg.TxRings > MaxTxRings:
		return bad("soc.tx_rings must be between 1 and %d, got %d", MaxTxRings, cfg.TxRings)
	case cfg.RxRings < 1 || cfg.RxRings > MaxRxRings:
		return bad("soc.rx_rings must be between 1 and %d, got %d", MaxRxRings, cfg.RxRings)
	case cfg.PDevs < 0 || cfg.PDevs > MaxPDevs:
		return bad("soc.pdevs must be between 0 and %d, got %d", MaxPDevs, cfg.PDevs)
	case cfg.RxBufSize <= 0:
		return bad("soc.rx_buf_size must be positive, got %d", cfg.RxBufSize)
	case cfg.RingSizes.RxRefill > maxRxBufs:
		return bad("soc.ring_sizes.rx_refill can not exceed %d, got %d", maxRxBufs, cfg.RingSizes.RxRefill)
	case cfg.Budget <= 0:
		return bad("interrupts.budget must be positive, got %d", cfg.Budget)
	case cfg.PollPeriod < 0:
		return bad("interrupts.poll_period can not be negative, got %v", cfg.PollPeriod)
	}

	if err := cfg.Masks.Validate(); err != nil {
		return bad("interrupts.contexts: %v", err)
	}
	return nil
}
