package rpc

import (
	"net"
	"sync"

	apperrors "github.com/memkeep/memkeep/lib/errors"
	"github.com/memkeep/memkeep/lib/metrics"
)

// DefaultMaxConnections caps concurrent connections across all listeners
// when ServerConfig.MaxConnections is unset.
const DefaultMaxConnections = 100

// ErrTooManyConnections is logged for connections dropped at the limit.
var ErrTooManyConnections = apperrors.ErrRPCTooManyConnections

// limitListener hands out connections only while a slot is free. Slots are
// shared between the Unix and TCP listeners of a Server. A connection that
// arrives while every slot is taken is closed without reading from it.
type limitListener struct {
	net.Listener
	slots chan struct{}
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		select {
		case l.slots <- struct{}{}:
			return &slotConn{Conn: conn, slots: l.slots}, nil
		default:
			metrics.RPCRejected.Inc()
			log.WithField("remote", conn.RemoteAddr().String()).
				WithField("max", cap(l.slots)).
				WithError(ErrTooManyConnections).
				Warn("connection rejected")
			conn.Close()
		}
	}
}

// slotConn gives its slot back on the first Close.
type slotConn struct {
	net.Conn
	slots chan struct{}
	once  sync.Once
}

func (c *slotConn) Close() error {
	c.once.Do(func() { <-c.slots })
	return c.Conn.Close()
}
