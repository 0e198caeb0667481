// Package mpubsub implements a multicast PubSub.
// Publish: a CBOR-encoded topic header and message are sent to a multicast group.
// Subscribe: a listener decodes messages from the group and hands them to the
// handler registered for their topic.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const maxDatagramSize = 8192

type MessageHeader struct {
	Topic string `cbor:"1,keyasint,omitempty"`
}

type handler func(src *net.UDPAddr, dec *cbor.Decoder) error

type PubSub struct {
	rc       *net.UDPConn
	wc       *net.UDPConn
	handlers sync.Map // map[string]handler
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Join opens a reader and a writer on the multicast group addr (host:port).
func Join(group string) (*PubSub, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast group %s: %w", group, err)
	}
	rc, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}
	wc, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to open multicast writer for %s: %w", group, err)
	}
	return New(rc, wc), nil
}

// Subscribe registers fn for messages published on topic. A later
// subscription for the same topic replaces the earlier one.
func Subscribe[T any](ps *PubSub, topic string, fn func(src *net.UDPAddr, msg *T)) {
	ps.handlers.Store(topic, handler(func(src *net.UDPAddr, dec *cbor.Decoder) error {
		msg := new(T)
		if err := dec.Decode(msg); err != nil {
			return err
		}
		fn(src, msg)
		return nil
	}))
	log.Debugf("mpubsub.Subscribe: %s", topic)
}

func (ps *PubSub) Publish(topic string, msg any) error {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(&MessageHeader{Topic: topic}); err != nil {
		return err
	}
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if buf.Len() > maxDatagramSize {
		return fmt.Errorf("mpubsub: message for %s too large (%d bytes)", topic, buf.Len())
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// Listen dispatches inbound messages until ctx is cancelled.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ps.rc.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}
		ps.dispatch(src, buf[:n])
	}
}

func (ps *PubSub) dispatch(src *net.UDPAddr, datagram []byte) {
	dec := cbor.NewDecoder(bytes.NewReader(datagram))

	var hdr MessageHeader
	if err := dec.Decode(&hdr); err != nil {
		log.Debugf("mpubsub: failed to unmarshal header from %s: %v", src, err)
		return
	}

	h, ok := ps.handlers.Load(hdr.Topic)
	if !ok {
		log.Debugf("mpubsub: no subscriber for %q", hdr.Topic)
		return
	}
	if err := h.(handler)(src, dec); err != nil {
		log.Debugf("mpubsub: failed to unmarshal %s message from %s: %v", hdr.Topic, src, err)
	}
}

func (ps *PubSub) Close() error {
	return errors.Join(ps.rc.Close(), ps.wc.Close())
}
