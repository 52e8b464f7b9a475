package wlandp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/wlandp/config"
	"github.com/slackhq/wlandp/linkdesc"
)

type Control struct {
	l          *logrus.Logger
	c          *config.C
	soc        *SoC
	sim        *Simulator
	ctx        context.Context
	cancel     context.CancelFunc
	statsStart func()
	version    string
}

type ControlStatus struct {
	Version   string         `json:"version"`
	Attached  bool           `json:"attached"`
	Mode      string         `json:"mode"`
	Contexts  int            `json:"contexts"`
	Rings     int            `json:"rings"`
	LinkDescs linkdesc.Stats `json:"linkDescs"`
	PDevs     []int          `json:"pdevs"`
	Peers     int            `json:"peers"`
}

// Start begins servicing config reloads, stats and the device simulator, this is a nonblocking call. To block use
// Control.ShutdownBlock()
func (c *Control) Start() {
	c.c.CatchHUP(c.ctx)

	if c.statsStart != nil {
		go c.statsStart()
	}

	if c.sim != nil {
		if err := c.sim.Start(); err != nil {
			c.l.WithError(err).Error("Failed to start the device simulator")
		}
	}

	c.l.WithField("status", c.Status()).Info("Datapath started")
}

// Stop detaches the datapath, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.sim != nil {
		c.sim.Stop()
	}
	c.soc.Detach()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

func (c *Control) SoC() *SoC { return c.soc }

// Simulator returns the device simulator, nil unless simulate.enabled is set.
func (c *Control) Simulator() *Simulator { return c.sim }

// Status summarizes the attached datapath.
func (c *Control) Status() ControlStatus {
	s := c.soc
	cs := ControlStatus{
		Version:  c.version,
		Attached: s.Attached(),
		Mode:     s.cfg.InterruptMode.String(),
		Peers:    s.Peers(),
	}

	s.mu.Lock()
	cs.Contexts = len(s.contexts)
	cs.Rings = len(s.rings)
	if s.pool != nil {
		cs.LinkDescs = s.pool.Stats()
	}
	s.mu.Unlock()

	for i := 0; i < MaxPDevs; i++ {
		if s.PDev(i) != nil {
			cs.PDevs = append(cs.PDevs, i)
		}
	}
	return cs
}

func (cs ControlStatus) String() string {
	return fmt.Sprintf("attached=%v mode=%s contexts=%d rings=%d descs=%d peers=%d", cs.Attached, cs.Mode, cs.Contexts, cs.Rings, cs.LinkDescs.Descs, cs.Peers)
}
