package wlandp

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds the datapath described by c and attaches it. Nothing runs
// until Control.Start. With configTest the config is only validated and a
// nil Control is returned.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})
	c.RegisterReloadCallback(func(c *config.C) {
		for _, k := range []string{"soc", "interrupts", "host"} {
			if c.HasChanged(k) {
				l.WithField("section", k).Warn("Changes to this section require a restart")
			}
		}
	})

	socConfig, err := NewSoCConfigFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load the soc config", nil, err)
	}

	hw, err := NewSoftHardwareFromConfig(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to set up the host runtime", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All configuration consumption should live above this line, memory and interrupt lines are taken below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	soc := NewSoC(l, socConfig, hw.Hardware)
	if err := soc.Attach(); err != nil {
		return nil, util.NewContextualError("Failed to attach the soc", m{"mode": socConfig.InterruptMode.String()}, err)
	}

	for i := 0; i < socConfig.PDevs; i++ {
		if _, err := soc.AttachPDev(i); err != nil {
			soc.Detach()
			return nil, util.NewContextualError("Failed to attach pdev", m{"pdev": i}, err)
		}
	}

	var sim *Simulator
	if c.GetBool("simulate.enabled", false) {
		sim = NewSimulatorFromConfig(l, c, soc, hw)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Control{
		l:          l,
		c:          c,
		soc:        soc,
		sim:        sim,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
		version:    buildVersion,
	}, nil
}
