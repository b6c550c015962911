package agent

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usbip-orchestrator/driver"
	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

type fakeImporter struct {
	mu       sync.Mutex
	nextPort driver.VirtualPort
	imports  []string
	detaches []driver.VirtualPort
	fail     bool
}

func (f *fakeImporter) Import(busId string) (driver.VirtualPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.Newf("no free port for %s", busId)
	}
	f.imports = append(f.imports, busId)
	port := f.nextPort
	f.nextPort++
	return port, nil
}

func (f *fakeImporter) Detach(port driver.VirtualPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.Newf("port %d is stuck", port)
	}
	f.detaches = append(f.detaches, port)
	return nil
}

func startSession(t *testing.T, imp *fakeImporter) net.Conn {
	t.Helper()
	hostSide, agentSide := net.Pipe()
	a := New(Config{ClientID: "alice"}, imp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Session(ctx, agentSide)
	}()
	t.Cleanup(func() {
		cancel()
		_ = hostSide.Close()
		<-done
	})
	return hostSide
}

func expectHello(t *testing.T, conn net.Conn) {
	t.Helper()
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	hello, ok := msg.(wire.Hello)
	require.True(t, ok, "expected a hello, got %T", msg)
	assert.Equal(t, "alice", hello.ClientID)
}

func expectAck(t *testing.T, conn net.Conn, busId string, transition uint64, ok bool) {
	t.Helper()
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	ack, isAck := msg.(wire.Ack)
	require.True(t, isAck, "expected an ack, got %T", msg)
	assert.Equal(t, busId, ack.BusID)
	assert.Equal(t, transition, ack.Transition)
	assert.Equal(t, ok, ack.OK)
}

func TestSessionHandshake(t *testing.T) {
	conn := startSession(t, &fakeImporter{})
	expectHello(t, conn)
}

func TestAttachDetachRoundTrip(t *testing.T) {
	imp := &fakeImporter{nextPort: 2}
	conn := startSession(t, imp)
	expectHello(t, conn)

	require.NoError(t, wire.WriteMessage(conn, wire.Attach{BusID: "1-1", Transition: 7}))
	expectAck(t, conn, "1-1", 7, true)
	assert.Equal(t, []string{"1-1"}, imp.imports)

	require.NoError(t, wire.WriteMessage(conn, wire.Detach{BusID: "1-1", Transition: 8}))
	expectAck(t, conn, "1-1", 8, true)
	assert.Equal(t, []driver.VirtualPort{2}, imp.detaches)
}

func TestAttachIdempotent(t *testing.T) {
	imp := &fakeImporter{}
	conn := startSession(t, imp)
	expectHello(t, conn)

	require.NoError(t, wire.WriteMessage(conn, wire.Attach{BusID: "1-1", Transition: 1}))
	expectAck(t, conn, "1-1", 1, true)
	require.NoError(t, wire.WriteMessage(conn, wire.Attach{BusID: "1-1", Transition: 2}))
	expectAck(t, conn, "1-1", 2, true)

	// the second attach must not import again
	assert.Equal(t, []string{"1-1"}, imp.imports)
}

func TestDetachUnknownDeviceAcksOK(t *testing.T) {
	imp := &fakeImporter{}
	conn := startSession(t, imp)
	expectHello(t, conn)

	require.NoError(t, wire.WriteMessage(conn, wire.Detach{BusID: "9-9", Transition: 3}))
	expectAck(t, conn, "9-9", 3, true)
	assert.Empty(t, imp.detaches)
}

func TestAttachFailureAcksNotOK(t *testing.T) {
	imp := &fakeImporter{fail: true}
	conn := startSession(t, imp)
	expectHello(t, conn)

	require.NoError(t, wire.WriteMessage(conn, wire.Attach{BusID: "1-1", Transition: 4}))
	expectAck(t, conn, "1-1", 4, false)
}

func TestPingPong(t *testing.T) {
	conn := startSession(t, &fakeImporter{})
	expectHello(t, conn)

	require.NoError(t, wire.WriteMessage(conn, wire.Ping{}))
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	_, isPong := msg.(wire.Pong)
	assert.True(t, isPong, "expected a pong, got %T", msg)
}

func TestSessionEndsOnContextCancel(t *testing.T) {
	hostSide, agentSide := net.Pipe()
	defer func() { _ = hostSide.Close() }()
	a := New(Config{ClientID: "alice"}, &fakeImporter{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Session(ctx, agentSide)
	}()
	expectHello(t, hostSide)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on cancellation")
	}
}
