// Package channel describes logical producer-to-consumer links and the
// socket addresses derived from them.
package channel

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/frame"
)

// Scheme selects the transport for cross-host links.
type Scheme string

const (
	SchemeTCP       Scheme = "tcp"
	SchemeWebSocket Scheme = "ws"
	SchemeNATS      Scheme = "nats"
	SchemeIPC       Scheme = "ipc"
)

// Channel is implemented by Local and Remote descriptors.
type Channel interface {
	ChannelID() string
	IsRemote() bool
	Validate() error
}

// Local is a same-host channel wired directly between a writer and a
// reader through one local socket.
type Local struct {
	ID      string `json:"id" yaml:"id"`
	IPCAddr string `json:"ipc_addr" yaml:"ipc_addr"`
}

// ChannelID returns the channel id.
func (c Local) ChannelID() string { return c.ID }

// IsRemote is false for same-host channels.
func (c Local) IsRemote() bool { return false }

// Validate checks the id and address.
func (c Local) Validate() error {
	if err := frame.ValidateChannelID(c.ID); err != nil {
		return err
	}
	if c.IPCAddr == "" {
		return fmt.Errorf("%w: channel %s has no ipc address", errors.ErrInvalidConfig, c.ID)
	}
	return nil
}

// Remote is a cross-host channel. The writer and the sending relay meet on
// SourceLocalIPCAddr, the relays talk over TargetNodeIP:Port, and the
// receiving relay and the reader meet on TargetLocalIPCAddr.
type Remote struct {
	ID                 string `json:"id" yaml:"id"`
	SourceNodeID       string `json:"source_node_id" yaml:"source_node_id"`
	SourceLocalIPCAddr string `json:"source_local_ipc_addr" yaml:"source_local_ipc_addr"`
	TargetNodeID       string `json:"target_node_id" yaml:"target_node_id"`
	TargetNodeIP       string `json:"target_node_ip" yaml:"target_node_ip"`
	TargetLocalIPCAddr string `json:"target_local_ipc_addr" yaml:"target_local_ipc_addr"`
	Port               int    `json:"port" yaml:"port"`
}

// ChannelID returns the channel id.
func (c Remote) ChannelID() string { return c.ID }

// IsRemote is true for cross-host channels.
func (c Remote) IsRemote() bool { return true }

// Validate checks ids, addresses and port.
func (c Remote) Validate() error {
	if err := frame.ValidateChannelID(c.ID); err != nil {
		return err
	}
	switch {
	case c.SourceNodeID == "" || c.TargetNodeID == "":
		return fmt.Errorf("%w: channel %s needs source and target node ids", errors.ErrInvalidConfig, c.ID)
	case c.SourceNodeID == c.TargetNodeID:
		return fmt.Errorf("%w: channel %s connects node %s to itself", errors.ErrInvalidConfig, c.ID, c.SourceNodeID)
	case c.SourceLocalIPCAddr == "" || c.TargetLocalIPCAddr == "":
		return fmt.Errorf("%w: channel %s needs both local ipc addresses", errors.ErrInvalidConfig, c.ID)
	case c.TargetNodeIP == "":
		return fmt.Errorf("%w: channel %s has no target node ip", errors.ErrInvalidConfig, c.ID)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: channel %s port %d out of range", errors.ErrInvalidConfig, c.ID, c.Port)
	}
	return nil
}

// ConnectAddr is the network address the sending relay dials.
func (c Remote) ConnectAddr(scheme Scheme) string {
	return c.networkAddr(scheme, c.TargetNodeIP)
}

// BindAddr is the network address the receiving relay listens on.
func (c Remote) BindAddr(scheme Scheme) string {
	return c.networkAddr(scheme, "0.0.0.0")
}

func (c Remote) networkAddr(scheme Scheme, host string) string {
	hostPort := net.JoinHostPort(host, strconv.Itoa(c.Port))
	switch scheme {
	case SchemeWebSocket:
		return "ws://" + hostPort + "/streamnet"
	case SchemeNATS:
		// Both relays derive the same subject without knowing each other's address.
		return fmt.Sprintf("nats://streamnet.link.%s.%s.%d", c.SourceNodeID, c.TargetNodeID, c.Port)
	default:
		return "tcp://" + hostPort
	}
}

// IPCAddr builds the filesystem-rooted address of a channel's local socket
// on a node: ipc://<root>/<job>/<node>/<channel>.
func IPCAddr(root, job, node, channelID string) string {
	return "ipc://" + filepath.Join(root, job, node, channelID)
}

// NewLocal returns a same-host descriptor addressed under root.
func NewLocal(root, job, node, channelID string) Local {
	return Local{ID: channelID, IPCAddr: IPCAddr(root, job, node, channelID)}
}

// NewRemote returns a cross-host descriptor with both local addresses
// derived from the naming scheme.
func NewRemote(root, job, channelID, sourceNode, targetNode, targetIP string, port int) Remote {
	return Remote{
		ID:                 channelID,
		SourceNodeID:       sourceNode,
		SourceLocalIPCAddr: IPCAddr(root, job, sourceNode, channelID),
		TargetNodeID:       targetNode,
		TargetNodeIP:       targetIP,
		TargetLocalIPCAddr: IPCAddr(root, job, targetNode, channelID),
		Port:               port,
	}
}
