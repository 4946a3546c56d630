package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/me/condex/internal/node"
	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

// OnRegister is invoked for every admitted worker. It runs on the acceptor
// goroutine concurrently with dispatch polling; inserting the handle into
// the correct state-machine list is the callback's responsibility.
type OnRegister func(*node.Node)

// Driver accepts worker registrations on the master port and appends the
// resulting handles to the registrar.
type Driver struct {
	registrar  *Registrar
	onRegister OnRegister
	logger     *slog.Logger

	listener net.Listener
	nextID   atomic.Uint32
}

// NewDriver binds the master port and returns a driver ready to Run.
// Use port 0 to bind an ephemeral port (tests); Addr reports the choice.
func NewDriver(port int, reg *Registrar, cb OnRegister, logger *slog.Logger) (*Driver, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen master port %d: %w", port, err)
	}
	return &Driver{
		registrar:  reg,
		onRegister: cb,
		logger:     logger.With("component", "registrar"),
		listener:   ln,
	}, nil
}

// Addr returns the bound listen address.
func (d *Driver) Addr() net.Addr {
	return d.listener.Addr()
}

// Run accepts registrations until the context is cancelled. It owns the
// acceptor goroutine's lifetime: the caller typically runs it in a dedicated
// goroutine and waits for it to return on termination.
func (d *Driver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	d.logger.Info("accepting workers", "addr", d.listener.Addr().String())

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("registrar stopping")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := d.admit(conn); err != nil {
			d.logger.Warn("registration rejected", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

// admit performs the registration handshake: the worker announces its role
// with a bare request frame and the driver replies with the assigned id
// echoed in the header.
func (d *Driver) admit(conn net.Conn) error {
	pk, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var role model.NodeRole
	switch pk.Type {
	case model.PacketRequestVMNode:
		role = model.RoleVM
	case model.PacketRequestSVMNode:
		role = model.RoleSVM
	default:
		return fmt.Errorf("handshake type %d: %w", pk.Type, model.ErrUnknownRole)
	}

	id := d.nextID.Add(1)
	if err := wire.WritePacket(conn, model.PacketInfo{ID: id, Type: pk.Type}); err != nil {
		return fmt.Errorf("handshake ack: %w", err)
	}

	n := node.New(id, role, conn)
	d.registrar.Append(n)
	d.logger.Info("worker registered",
		"id", id,
		"role", string(role),
		"remote", conn.RemoteAddr().String(),
	)

	if d.onRegister != nil {
		d.onRegister(n)
	}
	return nil
}
