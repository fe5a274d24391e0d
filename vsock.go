//go:build linux

package nitro_enclave

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Well-known vsock context ids. Inside a Nitro enclave the parent
// instance is always CID_PARENT; the generic well-knowns are exported
// alongside for callers running on the host side.
const (
	CID_HYPERVISOR = unix.VMADDR_CID_HYPERVISOR
	CID_LOCAL      = unix.VMADDR_CID_LOCAL
	CID_HOST       = unix.VMADDR_CID_HOST
	CID_PARENT     = 3
	CID_ANY        = unix.VMADDR_CID_ANY
)

// CLOSED_FD is the sentinel stored in a handle's descriptor slot once
// the descriptor has been released.
const CLOSED_FD = -1

const LISTEN_BACKLOG = 128

var ErrListenerClosed = errors.New("Listener already closed")
var ErrStreamClosed = errors.New("Stream already closed")

// Addr identifies one end of a vsock connection.
type Addr struct {
	CID  uint32
	Port uint32
}

func (a Addr) Network() string {
	return "vsock"
}

func (a Addr) String() string {
	return fmt.Sprintf("%08x.%08x", a.CID, a.Port)
}

// Listener accepts vsock connections on a local port, from any remote
// context id. The descriptor slot is only ever touched atomically so
// Close is safe from any goroutine, including one racing Accept.
type Listener struct {
	fd   int32
	port uint32
}

// Bind creates a listening vsock socket on the given port, bound to
// CID_ANY. The backlog is fixed at LISTEN_BACKLOG. SO_REUSEADDR is
// set best-effort; a failure there only costs restart convenience.
func Bind(port uint32) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_VSOCK): %w", err)
	}

	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrVM{CID: CID_ANY, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind(AF_VSOCK, port=%d): %w", port, err)
	}

	if err := unix.Listen(fd, LISTEN_BACKLOG); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen(port=%d): %w", port, err)
	}

	return &Listener{fd: int32(fd), port: port}, nil
}

// Port returns the local port the listener was bound to.
func (l *Listener) Port() uint32 {
	return l.port
}

// Accept blocks until a peer connects and returns a Stream owning the
// accepted descriptor. The peer's cid and port are captured from the
// accepted address. Interrupted accepts are retried.
func (l *Listener) Accept() (*Stream, error) {
	fd := atomic.LoadInt32(&l.fd)
	if fd == CLOSED_FD {
		return nil, ErrListenerClosed
	}

	for {
		nfd, sa, err := unix.Accept(int(fd))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("accept(port=%d): %w", l.port, err)
		}

		var peer Addr
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			peer = Addr{CID: vm.CID, Port: vm.Port}
		}
		return newStream(nfd, peer), nil
	}
}

// Close releases the listening descriptor. Safe to call repeatedly or
// concurrently; only the first caller performs the close. An Accept
// blocked in the kernel is not guaranteed to unblock.
func (l *Listener) Close() error {
	if fd := atomic.SwapInt32(&l.fd, CLOSED_FD); fd != CLOSED_FD {
		unix.Close(int(fd))
	}
	return nil
}

// Stream is one established vsock connection. The peer identity is
// fixed at creation, whether the stream came from Accept or Connect.
type Stream struct {
	fd   int32
	peer Addr
}

func newStream(fd int, peer Addr) *Stream {
	return &Stream{fd: int32(fd), peer: peer}
}

// Connect establishes a connection to the given (cid, port). From
// inside an enclave, Connect(CID_PARENT, port) reaches the parent
// instance.
func Connect(cid, port uint32) (*Stream, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_VSOCK): %w", err)
	}

	sa := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect(%v): %w", Addr{cid, port}, err)
	}

	return newStream(fd, Addr{CID: cid, Port: port}), nil
}

// Read performs one blocking read of up to size bytes and returns
// whatever the kernel delivered, which may be less than size. An
// empty result means either end-of-stream or that the stream was
// already closed locally; callers that need to tell those apart must
// track their own Close calls. Interrupted reads are retried.
func (s *Stream) Read(size uint32) ([]byte, error) {
	fd := atomic.LoadInt32(&s.fd)
	if fd == CLOSED_FD {
		return []byte{}, nil
	}

	buf := make([]byte, size)
	for {
		n, err := unix.Read(int(fd), buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read(%v): %w", s.peer, err)
		}
		return buf[:n], nil
	}
}

// Write performs one blocking write and returns the number of bytes
// the kernel accepted, which may be less than len(data); callers must
// loop to send everything. Interrupted writes are retried.
func (s *Stream) Write(data []byte) (uint32, error) {
	fd := atomic.LoadInt32(&s.fd)
	if fd == CLOSED_FD {
		return 0, ErrStreamClosed
	}

	for {
		n, err := unix.Write(int(fd), data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("write(%v): %w", s.peer, err)
		}
		return uint32(n), nil
	}
}

// Close releases the stream's descriptor. Same contract as
// Listener.Close.
func (s *Stream) Close() error {
	if fd := atomic.SwapInt32(&s.fd, CLOSED_FD); fd != CLOSED_FD {
		unix.Close(int(fd))
	}
	return nil
}

// Fd returns the raw descriptor for external polling, or CLOSED_FD
// once the stream has been closed.
func (s *Stream) Fd() int32 {
	return atomic.LoadInt32(&s.fd)
}

// Peer returns the remote address recorded when the stream was made.
func (s *Stream) Peer() Addr {
	return s.peer
}

func (s *Stream) PeerCID() uint32 {
	return s.peer.CID
}

func (s *Stream) PeerPort() uint32 {
	return s.peer.Port
}
