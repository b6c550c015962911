package usbip

import (
	"net"
	"strconv"

	"github.com/efficientgo/core/errors"
)

type Connection struct {
	Target     Target
	connection *net.TCPConn
}

func (t Target) Dial() (usbipConn *Connection, err error) {
	targetString := t.Host + ":" + strconv.Itoa(t.Port)
	addr, err := net.ResolveTCPAddr("tcp", targetString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve USB/IP target "+targetString)
	}
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return nil, errors.Wrap(
			err,
			"Failed to connect to USB/IP target at "+targetString,
		)
	}

	usbipConn = &Connection{
		Target:     t,
		connection: conn,
	}
	return usbipConn, nil
}

// TCP exposes the raw socket; the VHCI attach hands its file descriptor to
// the kernel.
func (c *Connection) TCP() *net.TCPConn {
	return c.connection
}

func (c *Connection) Close() {
	_ = c.connection.Close()
}
