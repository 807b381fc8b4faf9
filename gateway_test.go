package bullshark_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
)

type testMessage = bullshark.Message[testutil.TestHash, *testutil.TestTransmission]

func recvMessage(t *testing.T, ch <-chan testMessage) testMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestChannelTransport_BroadcastReachesAllPeers(t *testing.T) {
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](4, 16)
	_, signers := testutil.NewTestCommittee(4)

	header := testutil.BuildHeader(signers, 0, 1, 0, nil, nil)
	mesh[0].BroadcastPropose(header)

	for i := 1; i < 4; i++ {
		msg := recvMessage(t, mesh[i].Receive())
		require.Equal(t, bullshark.MessageBatchPropose, msg.Type())
		assert.Equal(t, uint16(0), msg.Sender())
	}

	// The sender never hears its own broadcast.
	select {
	case msg := <-mesh[0].Receive():
		t.Fatalf("unexpected message on sender: %v", msg.Type())
	default:
	}
}

func TestChannelTransport_TargetedSend(t *testing.T) {
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](3, 16)

	mesh[0].SendPong(2, 7, 3)

	msg := recvMessage(t, mesh[2].Receive())
	pong, ok := msg.(*bullshark.PongMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint16(0), pong.Sender())
	assert.Equal(t, uint64(7), pong.Round)
	assert.Equal(t, uint64(3), pong.Frontier)

	select {
	case <-mesh[1].Receive():
		t.Fatal("message leaked to uninvolved peer")
	default:
	}
}

func TestChannelTransport_DisconnectStopsDelivery(t *testing.T) {
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](3, 16)

	mesh[0].Disconnect(1)
	mesh[0].BroadcastPing(4, 1, nil)

	msg := recvMessage(t, mesh[2].Receive())
	assert.Equal(t, bullshark.MessagePing, msg.Type())

	select {
	case <-mesh[1].Receive():
		t.Fatal("disconnected peer still receives messages")
	default:
	}

	// The link is gone in both directions.
	mesh[1].BroadcastPing(4, 1, nil)
	select {
	case <-mesh[0].Receive():
		t.Fatal("reverse direction still delivers after disconnect")
	default:
	}
}

func TestChannelTransport_DropsOnFullQueue(t *testing.T) {
	a := bullshark.NewChannelTransport[testutil.TestHash, *testutil.TestTransmission](0, 1)
	b := bullshark.NewChannelTransport[testutil.TestHash, *testutil.TestTransmission](1, 1)
	a.Connect(b)

	a.SendPong(1, 1, 0)
	a.SendPong(1, 2, 0)

	assert.Equal(t, uint64(1), a.Dropped())

	pong := recvMessage(t, b.Receive()).(*bullshark.PongMessage[testutil.TestHash, *testutil.TestTransmission])
	assert.Equal(t, uint64(1), pong.Round)
}

func TestChannelTransport_CloseIsIdempotent(t *testing.T) {
	a := bullshark.NewChannelTransport[testutil.TestHash, *testutil.TestTransmission](0, 4)
	b := bullshark.NewChannelTransport[testutil.TestHash, *testutil.TestTransmission](1, 4)
	a.Connect(b)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	// Sends to a closed peer are silently discarded.
	a.SendPong(1, 1, 0)

	_, open := <-b.Receive()
	assert.False(t, open)
}

func TestGateway_ExchangeOverTCP(t *testing.T) {
	streamA, err := bullshark.NewTCPStreamLayer("127.0.0.1:0")
	require.NoError(t, err)
	streamB, err := bullshark.NewTCPStreamLayer("127.0.0.1:0")
	require.NoError(t, err)

	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	gwA, err := bullshark.NewGateway[testutil.TestHash, *testutil.TestTransmission](
		bullshark.GatewayConfig{
			Validator:      0,
			Peers:          map[uint16]string{1: streamB.Addr().String()},
			Stream:         streamA,
			Logger:         zap.NewNop(),
			RedialInterval: 10 * time.Millisecond,
		}, codec)
	require.NoError(t, err)

	gwB, err := bullshark.NewGateway[testutil.TestHash, *testutil.TestTransmission](
		bullshark.GatewayConfig{
			Validator:      1,
			Peers:          map[uint16]string{0: streamA.Addr().String()},
			Stream:         streamB,
			Logger:         zap.NewNop(),
			RedialInterval: 10 * time.Millisecond,
		}, codec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gwA.Start(ctx)
	gwB.Start(ctx)
	defer gwA.Close()
	defer gwB.Close()

	_, signers := testutil.NewTestCommittee(4)
	header := testutil.BuildHeader(signers, 0, 2, 0, nil, nil)

	// Queue until the dial loop has connected. Sends before that are
	// buffered on the peer queue and flushed once the link is up.
	gwA.BroadcastPropose(header)

	msg := recvMessage(t, gwB.Receive())
	propose, ok := msg.(*bullshark.BatchProposeMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint16(0), propose.Sender())
	assert.True(t, propose.Header.Digest.Equals(header.Digest))

	// And the reverse direction.
	gwB.SendPong(0, 9, 4)
	reply := recvMessage(t, gwA.Receive())
	pong, ok := reply.(*bullshark.PongMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint64(9), pong.Round)

	require.Eventually(t, func() bool {
		stats := gwA.Stats()
		return stats.ConnectedPeers == 1 && stats.InboundPeers == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_UnknownPeerRejected(t *testing.T) {
	streamA, err := bullshark.NewTCPStreamLayer("127.0.0.1:0")
	require.NoError(t, err)
	streamB, err := bullshark.NewTCPStreamLayer("127.0.0.1:0")
	require.NoError(t, err)

	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	// Gateway A only knows peer 1, so a dial from validator 5 is refused.
	gwA, err := bullshark.NewGateway[testutil.TestHash, *testutil.TestTransmission](
		bullshark.GatewayConfig{
			Validator:      0,
			Peers:          map[uint16]string{1: "127.0.0.1:1"},
			Stream:         streamA,
			Logger:         zap.NewNop(),
			RedialInterval: time.Hour,
		}, codec)
	require.NoError(t, err)

	gwStranger, err := bullshark.NewGateway[testutil.TestHash, *testutil.TestTransmission](
		bullshark.GatewayConfig{
			Validator:      5,
			Peers:          map[uint16]string{0: streamA.Addr().String()},
			Stream:         streamB,
			Logger:         zap.NewNop(),
			RedialInterval: 10 * time.Millisecond,
		}, codec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gwA.Start(ctx)
	gwStranger.Start(ctx)
	defer gwA.Close()
	defer gwStranger.Close()

	gwStranger.SendPong(0, 1, 0)

	// The message never arrives and no inbound peer is registered.
	select {
	case msg := <-gwA.Receive():
		t.Fatalf("unexpected message from unknown peer: %v", msg.Type())
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, gwA.Stats().InboundPeers)
}
