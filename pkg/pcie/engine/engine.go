// Package engine owns the listening or outbound socket, the collection of
// live connections, and the single-threaded readiness-wait loop that drives
// them: accepting new peers, pumping ReadOnce on whichever are readable,
// and reaping connections that have gone Closing.
package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	dockerkernel "github.com/docker/docker/pkg/parsers/kernel"
	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/antmicro/warp-pipe-go/pkg/metrics"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
)

// reusePortMinVersion is the kernel version SO_REUSEPORT became available
// on Linux.
var reusePortMinVersion = dockerkernel.VersionInfo{Kernel: 3, Major: 9, Minor: 0}

// pollTimeout bounds how long a single readiness wait blocks, so that the
// loop can notice a requested shutdown (e.g. SIGINT) within one tick.
const pollTimeout = 1 * time.Second

// AcceptFunc is invoked once per newly-accepted or newly-connected peer,
// before it is added to the engine's collection.
type AcceptFunc func(c *conn.Conn)

// Config selects the engine's addressing and mode.
type Config struct {
	// Family is "tcp", "tcp4" or "tcp6"; empty means system preference.
	Family string
	// Host is the address to bind (server mode) or connect to (client
	// mode); empty means the wildcard address for server mode or loopback
	// for client mode.
	Host string
	Port string
	// Listen selects server mode (true) or client mode (false, a single
	// outbound connection).
	Listen bool

	OnAccept AcceptFunc

	// Metrics, if set, is attached to every connection the engine creates
	// and receives connection-open/close counts.
	Metrics *metrics.Counters
}

// Engine is the event loop: one listening or outbound socket, plus the
// collection of Connections it has accepted or connected.
type Engine struct {
	cfg     Config
	handler conn.TLPHandler
	log     *logrus.Entry

	listener net.Listener
	conns    []*conn.Conn

	quit bool
}

// New returns an Engine bound to cfg, dispatching decoded TLPs to handler.
func New(cfg Config, handler conn.TLPHandler) *Engine {
	return &Engine{
		cfg:     cfg,
		handler: handler,
		log:     logrus.WithField("component", "engine"),
	}
}

func (e *Engine) network() string {
	if e.cfg.Family == "" {
		return "tcp"
	}
	return e.cfg.Family
}

func reusePortAvailable() bool {
	return dockerkernel.CheckKernelVersion(
		reusePortMinVersion.Kernel, reusePortMinVersion.Major, reusePortMinVersion.Minor)
}

func controlSetReuse(_ string, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = err
			return
		}
		if reusePortAvailable() {
			// Best-effort: some platforms define SO_REUSEPORT but reject it
			// for stream sockets in certain configurations.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Start creates the listening socket (server mode) or the single outbound
// connection (client mode) and, in client mode, invokes OnAccept for the
// sole peer immediately, matching the reference implementation's behaviour
// of treating the outbound connection as though it had just been accepted.
func (e *Engine) Start(ctx context.Context) error {
	addr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)

	if e.cfg.Listen {
		lc := net.ListenConfig{Control: controlSetReuse}
		l, err := lc.Listen(ctx, e.network(), addr)
		if err != nil {
			return fmt.Errorf("pcie: listen on %s: %w", addr, err)
		}
		e.listener = l
		e.log.WithField("addr", l.Addr()).Info("listening")
		return nil
	}

	host := e.cfg.Host
	if host == "" {
		host = "localhost"
	}
	d := net.Dialer{Control: controlSetReuse}
	nc, err := d.DialContext(ctx, e.network(), net.JoinHostPort(host, e.cfg.Port))
	if err != nil {
		return fmt.Errorf("pcie: connect to %s: %w", net.JoinHostPort(host, e.cfg.Port), err)
	}
	e.addConn(nc)
	e.log.WithField("addr", nc.RemoteAddr()).Info("connected")
	return nil
}

func (e *Engine) addConn(nc net.Conn) *conn.Conn {
	c := conn.New(nc)
	c.Metrics = e.cfg.Metrics
	e.conns = append(e.conns, c)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ConnectionOpened()
	}
	if e.cfg.OnAccept != nil {
		e.cfg.OnAccept(c)
	}
	return c
}

// Run drives the event loop until Stop is called, a client-mode peer
// disconnects, or stop delivers a signal — matching the reference
// implementation's rule that in client mode, losing the sole peer also
// terminates the loop.
func (e *Engine) Run(stop <-chan os.Signal) error {
	for !e.quit {
		select {
		case sig := <-stop:
			e.log.WithField("signal", sig).Info("received signal, disconnecting all peers")
			e.DisconnectAll()
			e.quit = true
			continue
		default:
		}

		if err := e.step(); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests the loop terminate on its next iteration.
func (e *Engine) Stop() {
	e.quit = true
}

// DisconnectAll marks every live connection inactive; the next sweep will
// close and drop them.
func (e *Engine) DisconnectAll() {
	for _, c := range e.conns {
		c.MarkClosing(fmt.Errorf("pcie: disconnect requested"))
	}
}

func (e *Engine) step() error {
	var rfds unix.FdSet
	maxFD := -1
	track := func(fd int) {
		fdSet(&rfds, fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	var listenFD int
	haveListenFD := false
	if e.listener != nil {
		if fd, err := listenerFD(e.listener); err == nil {
			listenFD = fd
			haveListenFD = true
			track(fd)
		}
	}

	fds := make(map[int]*conn.Conn, len(e.conns))
	for _, c := range e.conns {
		if !c.Active() {
			continue
		}
		fd := netfd.GetFdFromConn(c.Conn)
		fds[fd] = c
		track(fd)
	}

	if maxFD < 0 {
		time.Sleep(pollTimeout)
		e.sweep()
		return nil
	}

	tv := unix.NsecToTimeval(pollTimeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rfds, nil, nil, &tv)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("pcie: select: %w", err)
	}

	if n > 0 {
		if haveListenFD && fdIsSet(&rfds, listenFD) {
			e.accept()
		}
		for fd, c := range fds {
			if fdIsSet(&rfds, fd) {
				_ = c.ReadOnce(e.handler)
			}
		}
	}

	e.sweep()
	return nil
}

func (e *Engine) accept() {
	nc, err := e.listener.Accept()
	if err != nil {
		e.log.WithError(err).Warn("accept failed")
		return
	}
	c := e.addConn(nc)
	e.log.WithFields(logrus.Fields{"conn": c.ID, "peer": nc.RemoteAddr()}).Info("accepted connection")
}

// sweep destroys every connection that has transitioned to Closing, and in
// client mode, terminates the loop once the sole peer is gone.
func (e *Engine) sweep() {
	live := e.conns[:0]
	for _, c := range e.conns {
		if c.Closing() {
			e.log.WithField("conn", c.ID).Debug("reaping closed connection")
			_ = c.Close()
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.ConnectionClosed()
			}
			if !e.cfg.Listen {
				e.quit = true
			}
			continue
		}
		live = append(live, c)
	}
	e.conns = live
}

func listenerFD(l net.Listener) (int, error) {
	tl, ok := l.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("pcie: listener is not a *net.TCPListener")
	}
	raw, err := tl.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd, err
}
