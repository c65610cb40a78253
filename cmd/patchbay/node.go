package main

import (
	"bufio"
	"context"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"patchbay/config"
	"patchbay/pkg/election"
	"patchbay/pkg/module"
	"patchbay/pkg/patch"
	"patchbay/transport"
)

// node bundles a module with its allocated jack handles.
type node struct {
	mod  *module.Module
	ins  []module.InputJack
	outs []module.OutputJack
	log  hclog.Logger
}

func buildNode(cfg *config.Config, bus *transport.Bus, logger hclog.Logger) (*node, error) {
	id := patch.NodeID(cfg.Node.ID)

	var net transport.Network
	if cfg.Network.Transport == "local" {
		net = bus.NewNetwork(cfg.Node.Inputs, cfg.Node.Outputs)
	} else {
		var err error
		net, err = transport.NewNativeNetwork(cfg.Node.Inputs, cfg.Node.Outputs, transport.NativeConfig{
			ControlAddr:     cfg.Network.ControlGroup,
			JackPort:        cfg.Network.JackPort,
			PreferredSubnet: cfg.Network.PreferredSubnet,
			Logger:          logger.Named("net"),
		})
		if err != nil {
			return nil, err
		}
	}

	mod, err := module.New(module.Config{
		ID:          id,
		Color:       cfg.Node.Color,
		Inputs:      cfg.Node.Inputs,
		Outputs:     cfg.Node.Outputs,
		Network:     net,
		Coordinator: newCoordinator(cfg, id, logger.Named("election")),
		Logger:      logger,
	})
	if err != nil {
		net.Close()
		return nil, err
	}

	n := &node{mod: mod, log: logger}
	for i := 0; i < cfg.Node.Inputs; i++ {
		h, err := mod.AddInputJack()
		if err != nil {
			return nil, err
		}
		n.ins = append(n.ins, h)
	}
	for i := 0; i < cfg.Node.Outputs; i++ {
		h, err := mod.AddOutputJack()
		if err != nil {
			return nil, err
		}
		n.outs = append(n.outs, h)
	}
	return n, nil
}

func newCoordinator(cfg *config.Config, id patch.NodeID, log hclog.Logger) election.Coordinator {
	ec := election.Config{
		ElectionMinMs: cfg.Coordination.ElectionMinMs,
		ElectionMaxMs: cfg.Coordination.ElectionMaxMs,
		HeartbeatMs:   cfg.Coordination.HeartbeatMs,
		Logger:        log,
	}
	if cfg.Coordination.Strategy == "ping" {
		return election.NewPing(id, 0, ec)
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return election.New(id, 0, rnd, ec)
}

// run drives the module at one tick per millisecond, catching up after
// any stall, until the context ends or a halt arrives.
func (n *node) run(ctx context.Context, cmds <-chan command) error {
	defer n.mod.Close()

	process := passthrough(n.ins, n.outs)
	start := time.Now()
	var now int64
	for {
		for now < time.Since(start).Milliseconds() {
			now++
			upd, err := n.mod.Poll(now, process)
			if err != nil {
				return err
			}
			if upd.Halted {
				n.log.Info("halt received, stopping", "from", upd.HaltFrom)
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case c := <-cmds:
				n.apply(c)
			default:
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// passthrough copies each input jack to the output jack with the same
// position; outputs beyond the inputs stay silent.
func passthrough(ins []module.InputJack, outs []module.OutputJack) func(*module.ProcessBlock) {
	n := len(ins)
	if len(outs) < n {
		n = len(outs)
	}
	return func(b *module.ProcessBlock) {
		for i := 0; i < n; i++ {
			b.SetOutput(outs[i], *b.Input(ins[i]))
		}
	}
}

// command is one line of interactive control.
type command struct {
	verb string
	dir  string
	jack int
}

// readCommands parses interactive control from stdin:
//
//	hold in 0
//	release out 1
//	halt
//	state
func readCommands(ctx context.Context) <-chan command {
	out := make(chan command)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) == 0 {
				continue
			}
			c := command{verb: fields[0]}
			if len(fields) == 3 {
				c.dir = fields[1]
				jack, err := strconv.Atoi(fields[2])
				if err != nil {
					continue
				}
				c.jack = jack
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *node) apply(c command) {
	var err error
	switch {
	case c.verb == "halt":
		n.mod.SendHalt()
	case c.verb == "state":
		n.log.Info("patch state", "state", n.mod.State(), "online", n.mod.CanSend())
	case (c.verb == "hold" || c.verb == "release") && c.dir == "in" && c.jack >= 0 && c.jack < len(n.ins):
		err = n.mod.SetInputPatchEnabled(n.ins[c.jack], c.verb == "hold")
	case (c.verb == "hold" || c.verb == "release") && c.dir == "out" && c.jack >= 0 && c.jack < len(n.outs):
		err = n.mod.SetOutputPatchEnabled(n.outs[c.jack], c.verb == "hold")
	default:
		n.log.Warn("unknown command", "verb", c.verb, "dir", c.dir, "jack", c.jack)
	}
	if err != nil {
		n.log.Warn("command failed", "verb", c.verb, "error", err)
	}
}
