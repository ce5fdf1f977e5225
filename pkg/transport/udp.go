// Package transport carries gossip messages over UDP, one frame per
// datagram.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/telemetry"
	"github.com/ryandielhenn/membership/pkg/gossip"
	"github.com/ryandielhenn/membership/pkg/wire"
)

const (
	DefaultWorkers = 4
	queueSize      = 256
	readBufferSize = 64 << 10
)

var ErrClosed = errors.New("transport: closed")

// UDP is a gossip.Transport bound to one local port. Inbound datagrams are
// decoded and handed to a Handler by a fixed pool of workers.
type UDP struct {
	conn    *net.UDPConn
	log     *zap.Logger
	workers int

	// addrs caches resolved peer addresses by Id.
	addrs sync.Map

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*UDP)

func WithLogger(l *zap.Logger) Option {
	return func(u *UDP) { u.log = l }
}

// WithWorkers sets how many goroutines run the handler concurrently.
func WithWorkers(n int) Option {
	return func(u *UDP) {
		if n > 0 {
			u.workers = n
		}
	}
}

// Listen binds every interface on port. Port 0 picks a free port.
func Listen(port int, opts ...Option) (*UDP, error) {
	return ListenAddr(fmt.Sprintf(":%d", port), opts...)
}

func ListenAddr(addr string, opts ...Option) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	u := &UDP{
		conn:    conn,
		log:     zap.NewNop(),
		workers: DefaultWorkers,
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// Port is the bound local port.
func (u *UDP) Port() int { return u.LocalAddr().Port }

// Send encodes msg and writes it as one datagram. ctx is only checked
// before the write.
func (u *UDP) Send(ctx context.Context, to gossip.Id, msg gossip.Message) error {
	typ := msg.Type().String()
	if err := u.send(ctx, to, msg); err != nil {
		telemetry.SendFailures.WithLabelValues(typ).Inc()
		return err
	}
	telemetry.MessagesSent.WithLabelValues(typ).Inc()
	return nil
}

func (u *UDP) send(ctx context.Context, to gossip.Id, msg gossip.Message) error {
	select {
	case <-u.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := u.resolve(to)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	// No write deadline: it is per socket, and probes share this one.
	if _, err := u.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type(), to, err)
	}
	return nil
}

func (u *UDP) resolve(id gossip.Id) (*net.UDPAddr, error) {
	if a, ok := u.addrs.Load(id); ok {
		return a.(*net.UDPAddr), nil
	}
	addr, err := net.ResolveUDPAddr("udp", id.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	a, _ := u.addrs.LoadOrStore(id, addr)
	return a.(*net.UDPAddr), nil
}

// Serve reads datagrams until ctx is cancelled or the transport is closed.
// Malformed frames are logged, counted and dropped.
func (u *UDP) Serve(ctx context.Context, h gossip.Handler) error {
	frames := make(chan []byte, queueSize)
	var wg sync.WaitGroup
	for range u.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for frame := range frames {
				u.dispatch(ctx, h, frame)
			}
		}()
	}
	defer func() {
		close(frames)
		wg.Wait()
	}()

	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read.
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-u.closed:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		frame := append([]byte(nil), buf[:n]...)
		select {
		case frames <- frame:
		default:
			u.log.Warn("inbound queue full, dropping datagram", zap.Stringer("from", from))
		}
	}
}

func (u *UDP) dispatch(ctx context.Context, h gossip.Handler, frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		telemetry.MalformedFrames.Inc()
		u.log.Warn("dropping malformed frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Type().String()).Inc()
	h.Handle(ctx, msg)
}

// Close releases the socket. Serve returns nil once it notices.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.closed)
		err = u.conn.Close()
	})
	return err
}

// SendOnce writes msg to a single target from a throwaway socket.
func SendOnce(ctx context.Context, to gossip.Id, msg gossip.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", to.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", to, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type(), to, err)
	}
	return nil
}
