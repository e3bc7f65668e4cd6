package ioloop

import (
	"context"
	"fmt"

	"github.com/c360/streamnet/health"
	"github.com/c360/streamnet/socket"
)

// Role is the declared kind of an IO handler.
type Role int

const (
	RoleDataWriter Role = iota
	RoleDataReader
	RoleTransferSender
	RoleTransferReceiver
)

func (r Role) String() string {
	switch r {
	case RoleDataWriter:
		return "data_writer"
	case RoleDataReader:
		return "data_reader"
	case RoleTransferSender:
		return "transfer_sender"
	case RoleTransferReceiver:
		return "transfer_receiver"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Handler owns a set of sockets and moves frames through them. Send and Rcv
// are only ever called by the worker owning the socket, must not block, and
// report whether they made progress.
type Handler interface {
	Name() string
	Role() Role

	// CreateSockets opens the handler's sockets through reg. It is called
	// once, from Register.
	CreateSockets(reg *socket.Registry) ([]socket.Socket, error)

	Send(s socket.Socket) bool
	Rcv(s socket.Socket) bool

	Start(ctx context.Context) error
	Close() error
	Health() health.Status
}
