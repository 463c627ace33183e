package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alexdrl/zerowater"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neurogate/gateway/internal/gatewayerr"
)

// Bus is the named-datagram transport of spec §6: each adapter owns one
// mailbox, addressable by the adapter's node name. In this single-process
// implementation the "pointer plus length" wire payload of §4.3 becomes a
// JSON-encoded Envelope, decoded into a fresh copy at the receiving
// mailbox, carried through an in-memory channel —
// watermill's gochannel pub/sub, with topics standing in for bound socket
// paths (<runtime_dir>/<node_name>.sock in the original).
type Bus struct {
	pubsub *gochannel.GoChannel
}

// Config controls Bus construction.
type Config struct {
	// OutputChannelBuffer bounds how many envelopes can be queued for a
	// mailbox before Send starts reporting a transient failure (spec §4.3:
	// "Failure of send... releases the envelope and reports a transient
	// error to the caller").
	OutputChannelBuffer int64
}

// New builds a Bus backed by an in-process gochannel pub/sub, logging
// through logger via the same zerowater adapter minder's eventer uses to
// bridge zerolog into watermill.
func New(logger zerolog.Logger, cfg Config) *Bus {
	l := zerowater.NewZerologLoggerAdapter(logger.With().Str("component", "bus").Logger())
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.OutputChannelBuffer,
		Persistent:          false,
	}, l)
	return &Bus{pubsub: pubsub}
}

// Close shuts the bus down; no further Send or Mailbox calls are valid
// afterward.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Send delivers env to the mailbox bound at toAddr. A full or closed
// mailbox returns a transient error; the caller retains ownership of env
// and may retry or drop it (spec §4.3, §5 "Resource policy").
func (b *Bus) Send(toAddr string, env *Envelope) error {
	env.Receiver = toAddr
	payload, err := json.Marshal(env)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(toAddr, msg); err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, fmt.Errorf("mailbox %q: %w", toAddr, err))
	}
	return nil
}

// Mailbox is the per-adapter endpoint bound to one address.
type Mailbox struct {
	addr   string
	bus    *Bus
	cancel context.CancelFunc
	in     <-chan *message.Message
	out    chan *Envelope
}

// Mailbox binds (or rebinds) a mailbox at addr, returning a channel of
// decoded envelopes. Closing the returned Mailbox unsubscribes.
func (b *Bus) Mailbox(ctx context.Context, addr string) (*Mailbox, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.pubsub.Subscribe(subCtx, addr)
	if err != nil {
		cancel()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	mb := &Mailbox{
		addr:   addr,
		bus:    b,
		cancel: cancel,
		in:     msgs,
		out:    make(chan *Envelope),
	}
	go mb.pump()
	return mb, nil
}

func (mb *Mailbox) pump() {
	defer close(mb.out)
	for msg := range mb.in {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			msg.Nack()
			continue
		}
		msg.Ack()
		mb.out <- &env
	}
}

// Recv returns the channel of envelopes delivered to this mailbox.
func (mb *Mailbox) Recv() <-chan *Envelope {
	return mb.out
}

// Addr returns the mailbox's bound address.
func (mb *Mailbox) Addr() string {
	return mb.addr
}

// Close unsubscribes the mailbox. Safe to call once.
func (mb *Mailbox) Close() {
	mb.cancel()
}

// pendingCall tracks one in-flight Call awaiting a correlated reply.
type pendingCall struct {
	reply chan *Envelope
}

// Caller issues request/response envelopes over the bus and matches
// replies back to their originating call by envelope Context, the way an
// app adapter matches responses to external requests (spec §4.6).
type Caller struct {
	bus      *Bus
	mailbox  *Mailbox
	mu       sync.Mutex
	pending  map[string]*pendingCall
}

// NewCaller binds an ephemeral mailbox at addr and returns a Caller that
// demultiplexes replies arriving there by Context id.
func NewCaller(ctx context.Context, b *Bus, addr string) (*Caller, error) {
	mb, err := b.Mailbox(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := &Caller{
		bus:     b,
		mailbox: mb,
		pending: make(map[string]*pendingCall),
	}
	go c.demux()
	return c, nil
}

func (c *Caller) demux() {
	for env := range c.mailbox.Recv() {
		c.mu.Lock()
		pc, ok := c.pending[env.Context]
		if ok {
			delete(c.pending, env.Context)
		}
		c.mu.Unlock()
		if ok {
			pc.reply <- env
		}
	}
}

// Close tears down the caller's ephemeral mailbox.
func (c *Caller) Close() {
	c.mailbox.Close()
}

// Call sends req to toAddr and blocks for the correlated reply or until
// ctx is done. req.Sender is set to the caller's own mailbox address so
// the receiver knows where to reply.
func (c *Caller) Call(ctx context.Context, toAddr string, req *Envelope) (*Envelope, error) {
	if req.Context == "" {
		req.Context = uuid.NewString()
	}
	req.Sender = c.mailbox.Addr()

	pc := &pendingCall{reply: make(chan *Envelope, 1)}
	c.mu.Lock()
	c.pending[req.Context] = pc
	c.mu.Unlock()

	if err := c.bus.Send(toAddr, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.Context)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-pc.reply:
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Context)
		c.mu.Unlock()
		return nil, gatewayerr.Wrap(gatewayerr.EInternal, ctx.Err())
	}
}
