package dispatch

import (
	"github.com/dreamware/fakectdb/internal/cluster"
	"github.com/dreamware/fakectdb/internal/protocol"
)

func (d *Dispatcher) processExists(c *call) error {
	pid, err := c.req.PID()
	if err != nil {
		return err
	}
	if err := d.ProcessExists(int(pid)); err != nil {
		c.reply.Status = -1
	}
	return nil
}

func (d *Dispatcher) ping(c *call) error {
	c.reply.Status = int32(d.state.NumClients)
	return nil
}

func (d *Dispatcher) getVNNMap(c *call) error {
	c.reply.Data = protocol.VNNMap{
		Generation: d.state.VNNMap.Generation,
		Map:        d.state.VNNMap.Map,
	}.Marshal()
	return nil
}

func (d *Dispatcher) getRecMode(c *call) error {
	c.reply.Status = int32(d.state.VNNMap.RecMode)
	return nil
}

// setRecMode only moves the cluster into recovery. The reply goes out at
// once; the attempt reports its own completion through the log.
func (d *Dispatcher) setRecMode(c *call) error {
	mode, err := c.req.RecMode()
	if err != nil {
		return err
	}
	if cluster.RecoveryMode(mode) == cluster.RecoveryNormal {
		c.fail(msgRecModeNormal)
		return nil
	}
	d.state.SetRecoveryMode(cluster.RecoveryActive)
	d.recovery.Recover()
	return nil
}

func (d *Dispatcher) registerSrvID(c *call) error {
	d.state.RegisterListener(c.session, c.req.SrvID)
	return nil
}

func (d *Dispatcher) deregisterSrvID(c *call) error {
	if err := d.state.DeregisterListener(c.req.SrvID); err != nil {
		c.fail(msgNotRegistered)
	}
	return nil
}

func (d *Dispatcher) getPID(c *call) error {
	c.reply.Status = int32(d.PID)
	return nil
}

func (d *Dispatcher) getRecMaster(c *call) error {
	c.reply.Status = int32(d.state.RecMaster)
	return nil
}

func (d *Dispatcher) getPNN(c *call) error {
	c.reply.Status = int32(c.header.DestNode)
	return nil
}

func (d *Dispatcher) shutdown(c *call) error {
	c.shutdown = true
	return nil
}

func (d *Dispatcher) uptime(c *call) error {
	c.reply.Data = protocol.Uptime{
		CurrentTime:          d.state.Now(),
		StartTime:            d.state.StartTime,
		LastRecoveryStarted:  d.state.RecoveryStart,
		LastRecoveryFinished: d.state.RecoveryEnd,
	}.Marshal()
	return nil
}

func (d *Dispatcher) reloadNodesFile(c *call) error {
	members, err := d.nodes.ReadNodes(c.header.DestNode)
	if err != nil {
		d.log.WithError(err).Info("reload nodes file")
		c.fail(msgReload)
		return nil
	}
	changed := d.state.MergeMembership(members)
	d.log.WithField("changed", changed).Info("nodes file reloaded")
	return nil
}

// getCapabilities never answers for a node flagged FAKE_TIMEOUT.
func (d *Dispatcher) getCapabilities(c *call) error {
	node, ok := d.state.Node(c.header.DestNode)
	if !ok {
		c.fail(msgNoSuchNode)
		return nil
	}
	if node.Flags&cluster.FlagFakeTimeout != 0 {
		c.silent = true
		return nil
	}
	c.reply.Data = protocol.CapabilitiesData(node.Capabilities)
	return nil
}

func (d *Dispatcher) getNodeMap(c *call) error {
	nm := make(protocol.NodeMap, 0, len(d.state.Nodes))
	for _, n := range d.state.Nodes {
		nm = append(nm, protocol.NodeEntry{
			PNN:   n.PNN,
			Flags: n.Flags,
			Addr:  n.Addr,
			Port:  cluster.DefaultPort,
		})
	}
	c.reply.Data = nm.Marshal()
	return nil
}

func (d *Dispatcher) getIfaces(c *call) error {
	list := make(protocol.IfaceList, 0, len(d.state.Interfaces))
	for _, iface := range d.state.Interfaces {
		var link uint16
		if iface.LinkUp {
			link = 1
		}
		list = append(list, protocol.Iface{
			Name:       iface.Name,
			LinkState:  link,
			References: iface.References,
		})
	}
	c.reply.Data = list.Marshal()
	return nil
}

func (d *Dispatcher) getNodesFile(c *call) error {
	members, err := d.nodes.ReadNodes(c.header.DestNode)
	if err != nil {
		d.log.WithError(err).Info("read nodes file")
		c.fail(msgNodesFile)
		return nil
	}
	nm := make(protocol.NodeMap, 0, len(members))
	for _, m := range members {
		nm = append(nm, protocol.NodeEntry{
			PNN:   m.PNN,
			Flags: m.Flags,
			Addr:  m.Addr,
			Port:  cluster.DefaultPort,
		})
	}
	c.reply.Data = nm.Marshal()
	return nil
}
