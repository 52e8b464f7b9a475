package wlandp

import (
	"testing"
	"time"

	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/hal"
	"github.com/slackhq/wlandp/intr"
	"github.com/slackhq/wlandp/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw ...string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw...))
	return c
}

func TestNewSoCConfigFromConfig_Defaults(t *testing.T) {
	cfg, err := NewSoCConfigFromConfig(loadConfig(t, "logging: {level: info}"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSoCConfig(), cfg)
}

func TestNewSoCConfigFromConfig_Example(t *testing.T) {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.Load("examples/config.yml"))

	cfg, err := NewSoCConfigFromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, DefaultSoCConfig(), cfg)
}

func TestNewSoCConfigFromConfig(t *testing.T) {
	c := loadConfig(t, `
soc:
  max_clients: 16
  max_alloc_size: 128KiB
  tx_rings: 2
  rx_rings: 1
  pdevs: 2
  ring_sizes:
    reo_dest: 512
    rx_refill: 2048
interrupts:
  mode: poll
  budget: 32
  poll_period: 5ms
  contexts:
    - {tx: 0x3}
    - {rx: 1, rx_err: 1, rx_wbm_rel: 1, reo_status: "0b1"}
`)

	cfg, err := NewSoCConfigFromConfig(c)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.MaxClients)
	assert.Equal(t, 128<<10, cfg.MaxAllocSize)
	assert.Equal(t, 2, cfg.TxRings)
	assert.Equal(t, 1, cfg.RxRings)
	assert.Equal(t, 2, cfg.PDevs)
	assert.Equal(t, 512, cfg.RingSizes.REODest)
	assert.Equal(t, 2048, cfg.RingSizes.RxRefill)
	assert.Equal(t, DefaultRingSizes.TCLData, cfg.RingSizes.TCLData)
	assert.Equal(t, intr.ModePoll, cfg.InterruptMode)
	assert.Equal(t, 32, cfg.Budget)
	assert.Equal(t, 5*time.Millisecond, cfg.PollPeriod)
	assert.Equal(t, intr.MaskTable{
		{Tx: 3},
		{Rx: 1, RxErr: 1, RxWBMRel: 1, REOStatus: 1},
	}, cfg.Masks)
}

func TestNewSoCConfigFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown mode", "interrupts: {mode: sometimes}"},
		{"contexts not a list", "interrupts: {contexts: 7}"},
		{"unknown mask", "interrupts: {contexts: [{tx: 1, nope: 1}]}"},
		{"mask out of range", "interrupts: {contexts: [{tx: -1}]}"},
		{"overlapping masks", "interrupts: {contexts: [{tx: 1}, {tx: 3}]}"},
		{"too many tx rings", "soc: {tx_rings: 4}"},
		{"no rx rings", "soc: {rx_rings: 0}"},
		{"no clients", "soc: {max_clients: 0}"},
		{"too many pdevs", "soc: {pdevs: 4}"},
		{"huge refill ring", "soc: {ring_sizes: {rx_refill: 100000}}"},
		{"zero budget", "interrupts: {budget: 0}"},
		{"negative poll period", "interrupts: {poll_period: -1s}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSoCConfigFromConfig(loadConfig(t, tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestSoCConfig_ValidateWrapsConfigurationError(t *testing.T) {
	cfg := DefaultSoCConfig()
	require.NoError(t, cfg.Validate())

	cfg.Masks = intr.MaskTable{}
	assert.ErrorIs(t, cfg.Validate(), hal.ErrConfiguration)
}
