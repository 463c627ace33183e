package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/bus"
)

func TestSendRecv(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	defer b.Close()

	mb, err := b.Mailbox(ctx, "driver.d1")
	require.NoError(t, err)
	defer mb.Close()

	body, err := bus.Encode(bus.TransDataBody{Driver: "d1", Group: "g1", Timestamp: 42})
	require.NoError(t, err)
	require.NoError(t, b.Send("driver.d1", &bus.Envelope{Type: bus.TypeTransData, Body: body}))

	select {
	case env := <-mb.Recv():
		require.Equal(t, bus.TypeTransData, env.Type)
		var got bus.TransDataBody
		require.NoError(t, env.Decode(&got))
		require.Equal(t, int64(42), got.Timestamp)
	case <-ctx.Done():
		t.Fatal("timed out waiting for envelope")
	}
}

func TestCallCorrelatesReply(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := bus.New(zerolog.Nop(), bus.Config{OutputChannelBuffer: 8})
	defer b.Close()

	// The "server" side: a mailbox that echoes back a RESP_ERROR with the
	// same context id, as a driver would after handling a write.
	serverMB, err := b.Mailbox(ctx, "driver.d1")
	require.NoError(t, err)
	defer serverMB.Close()
	go func() {
		env := <-serverMB.Recv()
		body, _ := bus.Encode(bus.RespErrorBody{Error: "SUCCESS"})
		_ = b.Send(env.Sender, &bus.Envelope{
			Type:    bus.TypeRespError,
			Context: env.Context,
			Body:    body,
		})
	}()

	caller, err := bus.NewCaller(ctx, b, "app.a1")
	require.NoError(t, err)
	defer caller.Close()

	reqBody, _ := bus.Encode(bus.WriteTagBody{Driver: "d1", Group: "g1", Tag: "t1"})
	reply, err := caller.Call(ctx, "driver.d1", &bus.Envelope{Type: bus.TypeWriteTag, Body: reqBody})
	require.NoError(t, err)
	require.Equal(t, bus.TypeRespError, reply.Type)

	var got bus.RespErrorBody
	require.NoError(t, reply.Decode(&got))
	require.Equal(t, "SUCCESS", got.Error)
}
