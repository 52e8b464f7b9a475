package wlandp

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/test"
	"github.com/slackhq/wlandp/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pollConfig = `
soc:
  max_clients: 8
  pdevs: 2
interrupts:
  mode: poll
  poll_period: 5ms
`

func TestMain_ConfigTest(t *testing.T) {
	ctrl, err := Main(loadConfig(t, pollConfig), true, "test", test.NewLogger())
	require.NoError(t, err)
	assert.Nil(t, ctrl)
}

func TestMain_BadConfig(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"soc", "soc: {tx_rings: 9}"},
		{"logger", "logging: {level: nope}"},
		{"host", "host: {allocator: tape}"},
		{"stats", "stats: {type: carrier-pigeon, interval: 1s}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, err := Main(loadConfig(t, tt.raw), false, "test", test.NewLogger())
			assert.Nil(t, ctrl)
			var ce *util.ContextualError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestControl_Lifecycle(t *testing.T) {
	c := loadConfig(t, pollConfig)
	l, hook := test.NewLoggerWithHook()

	ctrl, err := Main(c, false, "1.2.3", l)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	assert.Nil(t, ctrl.Simulator())

	ctrl.Start()
	st := ctrl.Status()
	assert.Equal(t, "1.2.3", st.Version)
	assert.True(t, st.Attached)
	assert.Equal(t, "poll", st.Mode)
	assert.Equal(t, []int{0, 1}, st.PDevs)
	assert.Equal(t, len(ctrl.SoC().Contexts()), st.Contexts)
	assert.NotZero(t, st.Rings)
	assert.NotZero(t, st.LinkDescs.Descs)
	assert.Zero(t, st.Peers)
	assert.Contains(t, st.String(), "attached=true mode=poll")

	hook.Reset()
	require.NoError(t, c.ReloadConfigString(pollConfig, "soc: {max_clients: 16}"))
	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Data["section"].(string))
		}
	}
	assert.Equal(t, []string{"soc"}, warned)

	ctrl.Stop()
	assert.False(t, ctrl.SoC().Attached())
	assert.Nil(t, ctrl.SoC().PDev(0))
}

func TestControl_StartsSimulator(t *testing.T) {
	c := loadConfig(t, pollConfig, "simulate: {enabled: true, interval: 1h}")

	ctrl, err := Main(c, false, "test", test.NewLogger())
	require.NoError(t, err)
	require.NotNil(t, ctrl.Simulator())

	ctrl.Start()
	assert.ErrorContains(t, ctrl.Simulator().Start(), "already running")
	ctrl.Stop()
}
