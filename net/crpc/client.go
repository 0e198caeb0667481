package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var ErrShutdown = errors.New("connection is shut down")

type call struct {
	reply any
	err   error
	done  chan struct{}
}

// Client multiplexes concurrent calls over one connection.
type Client struct {
	conn io.ReadWriteCloser

	sendMu  sync.Mutex // serializes header + argument writes
	encoder *cbor.Encoder

	mu       sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*call
	closing  bool // Close was called
	shutdown bool // input loop ended
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		encoder: cbor.NewEncoder(conn),
		pending: make(map[uint64]*call),
	}
	go client.input()
	return client
}

// Dial connects to a control server.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// Call invokes serviceMethod and waits for its reply or for ctx to end.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	c := &call{reply: reply, done: make(chan struct{})}

	client.mu.Lock()
	if client.closing || client.shutdown {
		client.mu.Unlock()
		return ErrShutdown
	}
	seq := client.seq
	client.seq++
	client.pending[seq] = c
	client.mu.Unlock()

	client.sendMu.Lock()
	err := client.encoder.Encode(&RequestHeader{Seq: seq, Method: serviceMethod})
	if err == nil {
		err = client.encoder.Encode(args)
	}
	client.sendMu.Unlock()

	if err != nil {
		client.forget(seq)
		return err
	}

	select {
	case <-ctx.Done():
		client.forget(seq)
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

func (client *Client) forget(seq uint64) {
	client.mu.Lock()
	delete(client.pending, seq)
	client.mu.Unlock()
}

func (client *Client) input() {
	var err error
	decoder := cbor.NewDecoder(client.conn)
	for {
		resp := ResponseHeader{}
		if err = decoder.Decode(&resp); err != nil {
			break
		}

		client.mu.Lock()
		c := client.pending[resp.Seq]
		delete(client.pending, resp.Seq)
		client.mu.Unlock()

		switch {
		case resp.Err != "":
			if c != nil {
				c.err = errorFromResponse(&resp)
				close(c.done)
			}
		case c == nil:
			// The caller gave up, the body still has to be consumed
			var discard cbor.RawMessage
			if err = decoder.Decode(&discard); err != nil {
				break
			}
			log.Debugf("crpc: discarded reply for abandoned call %d", resp.Seq)
		default:
			c.err = decoder.Decode(c.reply)
			close(c.done)
			if c.err != nil {
				err = c.err
			}
		}
		if err != nil {
			break
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	client.shutdown = true
	shutdownErr := err
	if client.closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		shutdownErr = ErrShutdown
	} else {
		log.Warnf("crpc: client input loop error: %v", err)
	}
	for seq, c := range client.pending {
		c.err = shutdownErr
		close(c.done)
		delete(client.pending, seq)
	}
}

// Close closes the connection. Pending calls fail with ErrShutdown.
func (client *Client) Close() error {
	client.mu.Lock()
	if client.closing {
		client.mu.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mu.Unlock()
	return client.conn.Close()
}
