package crpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFull = errors.New("full")

type SumArgs struct {
	A, B int
}

type SumReply struct {
	Sum int
}

type Calc struct{}

func (c *Calc) Sum(args *SumArgs, reply *SumReply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (c *Calc) Fail(args *SumArgs, reply *SumReply) error {
	return errFull
}

func (c *Calc) Boom(args *SumArgs, reply *SumReply) error {
	panic("boom")
}

func (c *Calc) Plain(args *SumArgs, reply *SumReply) error {
	return errors.New("plain failure")
}

func startServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln)
	require.NoError(t, srv.Register(&Calc{}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	c := dial(t, startServer(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := &SumReply{}
			assert.NoError(t, c.Call(context.Background(), "Calc.Sum", &SumArgs{A: i, B: 1}, reply))
			assert.Equal(t, i+1, reply.Sum)
		}()
	}
	wg.Wait()
}

func TestRegisteredErrorsSurviveTheWire(t *testing.T) {
	RegisterError("test.full", errFull)
	c := dial(t, startServer(t))

	err := c.Call(context.Background(), "Calc.Fail", &SumArgs{}, &SumReply{})
	assert.ErrorIs(t, err, errFull)

	err = c.Call(context.Background(), "Calc.Plain", &SumArgs{}, &SumReply{})
	var se ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "plain failure", string(se))

	// The connection survives handler errors and panics
	err = c.Call(context.Background(), "Calc.Boom", &SumArgs{}, &SumReply{})
	assert.Error(t, err)
	reply := &SumReply{}
	require.NoError(t, c.Call(context.Background(), "Calc.Sum", &SumArgs{A: 2, B: 3}, reply))
	assert.Equal(t, 5, reply.Sum)
}

func TestUnknownMethod(t *testing.T) {
	c := dial(t, startServer(t))

	err := c.Call(context.Background(), "Calc.Nope", &SumArgs{}, &SumReply{})
	assert.Error(t, err)
}

func TestRegisterRejectsUnsuitableTypes(t *testing.T) {
	srv := NewServer(nil)
	assert.Error(t, srv.Register(struct{}{}))
	require.NoError(t, srv.Register(&Calc{}))
	assert.Error(t, srv.Register(&Calc{}))
}
