package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psolyx/envgate/internal/v1/wire"
)

const frameWait = 5 * time.Second

func TestHandshake_SessionStart(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	ready := f.handshake(t, conn, "alice-token", "dev1")
	assert.Equal(t, "alice", ready.UserID)
	assert.NotEmpty(t, ready.SessionToken)
	assert.NotEmpty(t, ready.ResumeToken)
}

func TestHandshake_BadCredentialClosesSocket(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	conn.clientSend(t, wire.TypeSessionStart, "hs-1", wire.SessionStartBody{
		AuthToken: "wrong", DeviceID: "dev1",
	})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "unauthorized", body["code"])

	select {
	case <-conn.done:
	case <-time.After(frameWait):
		t.Fatal("socket should close after fatal error")
	}
}

func TestHandshake_SessionResume(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	ready := f.handshake(t, conn, "alice-token", "dev1")
	conn.Close()

	conn2 := f.connect(t)
	conn2.clientSend(t, wire.TypeSessionResume, "hs-2", wire.SessionResumeBody{
		ResumeToken: ready.ResumeToken,
	})
	frame := conn2.nextFrame(t, wire.TypeSessionReady, frameWait)

	var resumed wire.SessionReadyBody
	require.NoError(t, json.Unmarshal(frame.Body, &resumed))
	assert.Equal(t, "alice", resumed.UserID)
	assert.NotEqual(t, ready.SessionToken, resumed.SessionToken)
}

func TestFramesBeforeHandshakeRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	conn.clientSend(t, wire.TypeConvSend, "req-1", wire.ConvSendBody{
		ConvID: "c1", MsgID: "m1", Env: []byte("x"),
	})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "unauthorized", body["code"])
}

func TestSendSubscribeAckFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Create(ctx, "c1", "alice", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	// Subscribe from the log start.
	from := int64(1)
	conn.clientSend(t, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribeBody{
		ConvID: "c1", FromSeq: &from,
	})

	// Send an envelope; expect the conv.sent acknowledgement correlated
	// to the request id.
	conn.clientSend(t, wire.TypeConvSend, "send-1", wire.ConvSendBody{
		ConvID: "c1", MsgID: "m1", Env: []byte("sealed"),
	})
	ackFrame := conn.nextFrame(t, wire.TypeConvSent, frameWait)
	assert.Equal(t, "send-1", ackFrame.ID)

	var sent wire.ConvSendAckBody
	require.NoError(t, json.Unmarshal(ackFrame.Body, &sent))
	assert.Equal(t, int64(1), sent.Seq)
	assert.False(t, sent.Duplicate)

	// The subscription delivers the same envelope as conv.event.
	eventFrame := conn.nextFrame(t, wire.TypeConvEvent, frameWait)
	var event wire.ConvEventBody
	require.NoError(t, json.Unmarshal(eventFrame.Body, &event))
	assert.Equal(t, int64(1), event.Seq)
	assert.Equal(t, "m1", event.MsgID)
	assert.Equal(t, []byte("sealed"), event.Env)

	// Acknowledge it.
	conn.clientSend(t, wire.TypeConvAck, "ack-1", wire.ConvAckBody{ConvID: "c1", Seq: 1})
	ackedFrame := conn.nextFrame(t, wire.TypeConvAcked, frameWait)
	var acked wire.ConvAckedBody
	require.NoError(t, json.Unmarshal(ackedFrame.Body, &acked))
	assert.Equal(t, int64(1), acked.Seq)
}

func TestIdempotentRetryOverWS(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Create(context.Background(), "c1", "alice", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.clientSend(t, wire.TypeConvSend, "send-1", wire.ConvSendBody{
		ConvID: "c1", MsgID: "m1", Env: []byte("AAA"),
	})
	first := conn.nextFrame(t, wire.TypeConvSent, frameWait)

	conn.clientSend(t, wire.TypeConvSend, "send-2", wire.ConvSendBody{
		ConvID: "c1", MsgID: "m1", Env: []byte("AAA"),
	})
	second := conn.nextFrame(t, wire.TypeConvSent, frameWait)

	var a, b wire.ConvSendAckBody
	require.NoError(t, json.Unmarshal(first.Body, &a))
	require.NoError(t, json.Unmarshal(second.Body, &b))
	assert.Equal(t, a.Seq, b.Seq)
	assert.False(t, a.Duplicate)
	assert.True(t, b.Duplicate)
}

func TestSendToForeignConversationRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Create(context.Background(), "c2", "bob", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.clientSend(t, wire.TypeConvSend, "send-1", wire.ConvSendBody{
		ConvID: "c2", MsgID: "m1", Env: []byte("x"),
	})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "not_member", body["code"])

	// Nothing was appended.
	rows, _, err := f.store.ReadRange(context.Background(), "c2", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubscribeForeignConversationRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Create(context.Background(), "c2", "bob", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.clientSend(t, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribeBody{ConvID: "c2"})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "not_member", body["code"])
}

func TestReplayWindowExceededOverWS(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Create(ctx, "c1", "alice", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	for i := 1; i <= 5; i++ {
		conn.clientSend(t, wire.TypeConvSend, "send", wire.ConvSendBody{
			ConvID: "c1", MsgID: string(rune('a' + i)), Env: []byte("x"),
		})
		conn.nextFrame(t, wire.TypeConvSent, frameWait)
	}
	_, err := f.store.Prune(ctx, "c1", 3)
	require.NoError(t, err)

	from := int64(1)
	conn.clientSend(t, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribeBody{ConvID: "c1", FromSeq: &from})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "replay_window_exceeded", body["code"])
	assert.Equal(t, float64(3), body["earliest_seq"])
	assert.Equal(t, float64(5), body["latest_seq"])
	assert.Equal(t, float64(1), body["requested_from_seq"])

	// Resubscribe from earliest and receive 3..5 in order.
	from = 3
	conn.clientSend(t, wire.TypeConvSubscribe, "sub-2", wire.ConvSubscribeBody{ConvID: "c1", FromSeq: &from})
	for want := int64(3); want <= 5; want++ {
		frame := conn.nextFrame(t, wire.TypeConvEvent, frameWait)
		var event wire.ConvEventBody
		require.NoError(t, json.Unmarshal(frame.Body, &event))
		assert.Equal(t, want, event.Seq)
	}
}

func TestAutoAckAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Create(ctx, "c1", "alice", 1))

	conn := f.connect(t)
	ready := f.handshake(t, conn, "alice-token", "dev1")
	sess, err := f.sessions.Validate(ctx, ready.SessionToken)
	require.NoError(t, err)

	from := int64(1)
	conn.clientSend(t, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribeBody{
		ConvID: "c1", FromSeq: &from, AutoAck: true,
	})

	conn.clientSend(t, wire.TypeConvSend, "send-1", wire.ConvSendBody{
		ConvID: "c1", MsgID: "m1", Env: []byte("x"),
	})
	conn.nextFrame(t, wire.TypeConvEvent, frameWait)

	// The cursor advances without an explicit conv.ack.
	require.Eventually(t, func() bool {
		cur, err := f.store.GetCursor(ctx, sess.SessionID, "c1")
		return err == nil && cur.NextSeqToAck == 2
	}, frameWait, 20*time.Millisecond)
}

func TestInvalidAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Create(context.Background(), "c1", "alice", 1))

	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.clientSend(t, wire.TypeConvAck, "ack-1", wire.ConvAckBody{ConvID: "c1", Seq: 7})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "invalid_ack", body["code"])
}

func TestMalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.in <- []byte(`{"v":1,"t":"conv.nuke","id":"x","ts":1}`)
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "invalid_frame", body["code"])

	// The socket stays usable.
	conn.clientSend(t, wire.TypePong, "p-1", nil)
	select {
	case <-conn.done:
		t.Fatal("socket should remain open after one invalid frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpperCaseBodyKeysRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	f.handshake(t, conn, "alice-token", "dev1")

	conn.in <- []byte(`{"v":1,"t":"conv.ack","id":"x","ts":1,"body":{"ConvId":"c1","Seq":1}}`)
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "invalid_frame", body["code"])
}

func TestRevokedSessionRejectedOnNextFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.Create(ctx, "c1", "alice", 1))

	conn := f.connect(t)
	ready := f.handshake(t, conn, "alice-token", "dev1")

	sess, err := f.sessions.Validate(ctx, ready.SessionToken)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Logout(ctx, sess))

	// A new HTTP-style validation fails.
	_, err = f.sessions.Validate(ctx, ready.SessionToken)
	assert.Error(t, err)

	// The next frame over the revoked session is rejected and the socket
	// closes, even though membership would still authorize it.
	conn.clientSend(t, wire.TypeConvSubscribe, "sub-1", wire.ConvSubscribeBody{ConvID: "c1"})
	frame := conn.nextFrame(t, wire.TypeError, frameWait)

	var body map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &body))
	assert.Equal(t, "unauthorized", body["code"])

	select {
	case <-conn.done:
	case <-time.After(frameWait):
		t.Fatal("socket should close after a frame on a revoked session")
	}
}
