// Package peer runs a single swarm connection: one goroutine reads frames and
// hands them to the router, another drains a bounded send queue onto the wire.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"p2pstore/net/frame"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second

	// Streams not yet started beyond this are superseded by newer ones.
	maxPendingStreams = 2
)

// Handler receives every inbound frame, tagged with the peer id.
type Handler func(from string, frame []byte)

type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	MaxFrameSize int
	Dropped      prometheus.Counter // optional, counts frames evicted from full queues
}

type Peer struct {
	id        string
	conn      net.Conn
	outbound  bool
	connected time.Time
	opts      Options

	sendMu  sync.Mutex
	queue   chan []byte
	dropped atomic.Uint64

	streamMu sync.Mutex
	streams  []func() []byte
	wake     chan struct{}

	closeOnce sync.Once
}

// New wraps an established connection. The peer id is the remote address.
func New(conn net.Conn, outbound bool, opts Options) *Peer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Peer{
		id:        conn.RemoteAddr().String(),
		conn:      conn,
		outbound:  outbound,
		connected: time.Now(),
		opts:      opts,
		queue:     make(chan []byte, opts.QueueSize),
		wake:      make(chan struct{}, 1),
	}
}

// Dial connects to a swarm listener at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts Options) (*Peer, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return New(conn, true, opts), nil
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Outbound() bool {
	return p.outbound
}

func (p *Peer) Connected() time.Time {
	return p.connected
}

// Dropped returns how many queued frames were evicted because the peer was too slow.
func (p *Peer) Dropped() uint64 {
	return p.dropped.Load()
}

// Send queues f for delivery without blocking. When the queue is full the
// oldest queued frame is discarded to make room.
func (p *Peer) Send(f []byte) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for {
		select {
		case p.queue <- f:
			return
		default:
		}

		select {
		case <-p.queue:
			p.dropped.Add(1)
			if p.opts.Dropped != nil {
				p.opts.Dropped.Inc()
			}
			log.WithField("peer", p.id).Warn("Peer: send queue full, dropping oldest frame")
		default:
		}
	}
}

// Stream hands over a sequence of frames that must all be delivered, in
// order. The write loop pulls them through next, which returns nil at the
// end, interleaved with queued broadcasts so neither starves the other.
// Stream never blocks. If too many streams are waiting, the newest waiting
// one is replaced, since a later snapshot supersedes an unstarted one.
func (p *Peer) Stream(next func() []byte) {
	p.streamMu.Lock()
	if len(p.streams) >= maxPendingStreams {
		log.WithField("peer", p.id).Warn("Peer: replacing pending stream")
		p.streams[len(p.streams)-1] = next
	} else {
		p.streams = append(p.streams, next)
	}
	p.streamMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Peer) nextStream() func() []byte {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	next := p.streams[0]
	p.streams = p.streams[1:]
	return next
}

func (p *Peer) write(f []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := frame.Write(p.conn, f); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Run serves the connection until ctx is cancelled or either direction fails.
// The connection is closed on return.
func (p *Peer) Run(ctx context.Context, handler Handler) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		<-cctx.Done()
		p.Close()
		return nil
	})

	wg.Go(func() error {
		for {
			f, err := frame.Read(p.conn, p.opts.MaxFrameSize)
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			handler(p.id, f)
		}
	})

	wg.Go(func() error {
		var stream func() []byte
		for {
			if stream == nil {
				stream = p.nextStream()
			}
			if stream == nil {
				select {
				case <-cctx.Done():
					return nil
				case f := <-p.queue:
					if err := p.write(f); err != nil {
						return err
					}
				case <-p.wake:
				}
				continue
			}

			// One broadcast, if any, then one stream frame
			select {
			case <-cctx.Done():
				return nil
			case f := <-p.queue:
				if err := p.write(f); err != nil {
					return err
				}
			default:
			}
			f := stream()
			if f == nil {
				stream = nil
				continue
			}
			if err := p.write(f); err != nil {
				return err
			}
		}
	})

	err := wg.Wait()
	if ctx.Err() != nil || isClosed(err) {
		return nil
	}
	return err
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
	})
	return err
}

func isClosed(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
