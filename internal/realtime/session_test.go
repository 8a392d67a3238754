package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notifyhub/realtime-gateway/internal/auth"
)

// stubVerifier accepts the tokens in its map.
type stubVerifier map[string]string

func (v stubVerifier) Verify(token string) (*auth.Claims, error) {
	sub, ok := v[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{Subject: sub}, nil
}

type reply struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func lastReply(t *testing.T, c *fakeConn) reply {
	t.Helper()
	writes := c.Writes()
	require.NotEmpty(t, writes, "expected a reply")
	var r reply
	require.NoError(t, json.Unmarshal(writes[len(writes)-1], &r))
	return r
}

func newTestSession(t *testing.T, r *Registry, limiter *rate.Limiter) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSession("conn-1", conn, r, stubVerifier{"good": "alice", "bob-token": "bob"}, limiter, zap.NewNop())
	s.Open()
	return s, conn
}

func TestSession_AuthSuccess(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good","connectionId":"tab-7"}}`)))

	got := lastReply(t, conn)
	assert.Equal(t, TypeAuthSuccess, got.Type)
	assert.JSONEq(t, `{"user_id":"alice","connection_id":"tab-7"}`, string(got.Data))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.UserID())
	assert.Equal(t, []string{"alice"}, r.ConnectedUserIDs())
}

func TestSession_AuthFailureThenRetry(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"bad","connectionId":"x"}}`)))
	got := lastReply(t, conn)
	assert.Equal(t, TypeAuthError, got.Type)
	assert.JSONEq(t, `{"message":"invalid or expired token"}`, string(got.Data))
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Empty(t, r.ConnectedUserIDs())
	closed, _ := conn.Closed()
	assert.False(t, closed, "auth failure must not close the socket")

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good","connectionId":"x"}}`)))
	assert.Equal(t, TypeAuthSuccess, lastReply(t, conn).Type)
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestSession_AuthMissingToken(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{}}`)))
	got := lastReply(t, conn)
	assert.Equal(t, TypeAuthError, got.Type)
	assert.JSONEq(t, `{"message":"token is required"}`, string(got.Data))
}

func TestSession_AuthAfterRemoval(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)
	r.Remove(s.ID())

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good"}}`)))
	assert.Equal(t, TypeAuthError, lastReply(t, conn).Type)
	assert.Equal(t, StateUnauthenticated, s.State())
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestSession_ReauthenticateAsAnotherUser(t *testing.T) {
	r := newTestRegistry(5)
	s, _ := newTestSession(t, r, nil)

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good"}}`)))
	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"bob-token"}}`)))

	assert.Equal(t, []string{"bob"}, r.ConnectedUserIDs())
	assert.Equal(t, "bob", s.UserID())
	assertInvariants(t, r)
}

func TestSession_PingPongInBothStates(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)

	ping := []byte(`{"type":"ping","data":{"timestamp":12345}}`)
	want := `{"type":"pong","data":{"timestamp":12345}}`

	require.NoError(t, s.HandleFrame(ping))
	writes := conn.Writes()
	assert.JSONEq(t, want, string(writes[len(writes)-1]))
	assert.Equal(t, StateUnauthenticated, s.State())

	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good"}}`)))
	require.NoError(t, s.HandleFrame(ping))
	writes = conn.Writes()
	assert.JSONEq(t, want, string(writes[len(writes)-1]))
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestSession_PingEchoesArbitraryTimestamp(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, nil)

	tests := []string{`"2024-01-01T00:00:00Z"`, `{"t":1,"seq":[1,2]}`, `null`, `1.5e3`}
	for _, ts := range tests {
		require.NoError(t, s.HandleFrame([]byte(`{"type":"ping","data":{"timestamp":`+ts+`}}`)))
		got := lastReply(t, conn)
		assert.Equal(t, TypePong, got.Type)
		assert.JSONEq(t, `{"timestamp":`+ts+`}`, string(got.Data))
	}
}

func TestSession_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"unknown type", `{"type":"subscribe","data":{}}`, `{"message":"unknown message type: subscribe"}`},
		{"not json", `hello`, `{"message":"invalid message format"}`},
		{"missing type", `{"data":{}}`, `{"message":"invalid message format"}`},
		{"auth data not an object", `{"type":"auth","data":"token"}`, `{"message":"invalid message format"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(5)
			s, conn := newTestSession(t, r, nil)

			require.NoError(t, s.HandleFrame([]byte(tc.frame)))
			got := lastReply(t, conn)
			assert.Equal(t, TypeError, got.Type)
			assert.JSONEq(t, tc.want, string(got.Data))
			assert.Equal(t, StateUnauthenticated, s.State())
			closed, _ := conn.Closed()
			assert.False(t, closed)
		})
	}
}

func TestSession_RateLimited(t *testing.T) {
	r := newTestRegistry(5)
	s, conn := newTestSession(t, r, rate.NewLimiter(rate.Limit(0.001), 1))

	require.NoError(t, s.HandleFrame([]byte(`{"type":"ping","data":{"timestamp":1}}`)))
	assert.Equal(t, TypePong, lastReply(t, conn).Type)

	require.NoError(t, s.HandleFrame([]byte(`{"type":"ping","data":{"timestamp":2}}`)))
	got := lastReply(t, conn)
	assert.Equal(t, TypeError, got.Type)
	assert.JSONEq(t, `{"message":"rate limit exceeded"}`, string(got.Data))
}

func TestSession_ReplyWriteFailureIsReported(t *testing.T) {
	r := newTestRegistry(5)
	conn := &fakeConn{failWrites: true}
	s := NewSession("c", conn, r, stubVerifier{}, nil, zap.NewNop())
	s.Open()

	assert.Error(t, s.HandleFrame([]byte(`{"type":"ping","data":{"timestamp":1}}`)))
}

func TestSession_CloseRemovesFromRegistry(t *testing.T) {
	r := newTestRegistry(5)
	s, _ := newTestSession(t, r, nil)
	require.NoError(t, s.HandleFrame([]byte(`{"type":"auth","data":{"token":"good"}}`)))

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, r.ConnectionCount())
	assert.Empty(t, r.ConnectedUserIDs())
	assert.Error(t, s.HandleFrame([]byte(`{"type":"ping"}`)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
}
