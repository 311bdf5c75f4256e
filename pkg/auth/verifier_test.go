package auth

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/foreman/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signedHeaders(t *testing.T, secret, nonce string, at time.Time, body []byte) (string, string, string) {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := SignHex([]byte(secret), ts+"."+nonce+"."+string(body))
	return ts, nonce, sig
}

func TestVerifyHappyPath(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now()
	v.now = func() time.Time { return now }

	body := []byte(`{"taskId":"t-1"}`)
	ts, nonce, sig := signedHeaders(t, testSecret, "nonce-1", now, body)

	require.NoError(t, v.Verify(ts, nonce, sig, body))
	assert.Equal(t, 1, v.NonceCacheSize())
}

func TestVerifyOrderedFailures(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	tests := []struct {
		name   string
		mutate func(ts, nonce, sig string) (string, string, string)
		body   []byte
		want   Reason
	}{
		{
			name:   "missing signature",
			mutate: func(ts, nonce, _ string) (string, string, string) { return ts, nonce, "" },
			body:   body,
			want:   ReasonMissingAuth,
		},
		{
			name:   "missing nonce",
			mutate: func(ts, _, sig string) (string, string, string) { return ts, "", sig },
			body:   body,
			want:   ReasonMissingAuth,
		},
		{
			name:   "non-integer timestamp",
			mutate: func(_, nonce, sig string) (string, string, string) { return "not-a-number", nonce, sig },
			body:   body,
			want:   ReasonInvalidTimestamp,
		},
		{
			name: "wrong length signature",
			mutate: func(ts, nonce, _ string) (string, string, string) {
				return ts, nonce, "deadbeef"
			},
			body: body,
			want: ReasonInvalidSignatureLength,
		},
		{
			name: "tampered body",
			mutate: func(ts, nonce, sig string) (string, string, string) {
				return ts, nonce, sig
			},
			body: []byte(`{"tampered":true}`),
			want: ReasonInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(testSecret)
			v.now = func() time.Time { return now }

			ts, nonce, sig := signedHeaders(t, testSecret, "nonce-"+tt.name, now, body)
			ts, nonce, sig = tt.mutate(ts, nonce, sig)

			err := v.Verify(ts, nonce, sig, tt.body)
			require.Error(t, err)
			var verr *Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.want, verr.Reason)
		})
	}
}

func TestVerifySkewBoundary(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	// Exactly at the window edge is accepted
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return now }
	edge := now.Add(-MaxClockSkew)
	ts, nonce, sig := signedHeaders(t, testSecret, "edge", edge, nil)
	require.NoError(t, v.Verify(ts, nonce, sig, nil))

	// One second beyond is rejected, in both directions
	for name, at := range map[string]time.Time{
		"past":   now.Add(-MaxClockSkew - time.Second),
		"future": now.Add(MaxClockSkew + time.Second),
	} {
		t.Run(name, func(t *testing.T) {
			v := NewVerifier(testSecret)
			v.now = func() time.Time { return now }
			ts, nonce, sig := signedHeaders(t, testSecret, "beyond-"+name, at, nil)
			err := v.Verify(ts, nonce, sig, nil)
			var verr *Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, ReasonStaleTimestamp, verr.Reason)
		})
	}
}

func TestVerifyReplayedNonce(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now()
	v.now = func() time.Time { return now }

	body := []byte(`{"taskId":"t-1"}`)
	ts, nonce, sig := signedHeaders(t, testSecret, "nonce-replay", now, body)

	require.NoError(t, v.Verify(ts, nonce, sig, body))

	// Identical headers and body one millisecond later
	v.now = func() time.Time { return now.Add(time.Millisecond) }
	err := v.Verify(ts, nonce, sig, body)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonReplayedNonce, verr.Reason)
}

func TestExternalReasonCollapse(t *testing.T) {
	for _, reason := range []Reason{
		ReasonInvalidTimestamp,
		ReasonStaleTimestamp,
		ReasonReplayedNonce,
		ReasonInvalidSignature,
		ReasonInvalidSignatureLength,
	} {
		e := &Error{Reason: reason}
		assert.Equal(t, "invalid_signature", e.External(), "reason %s must not leak", reason)
	}

	e := &Error{Reason: ReasonMissingAuth}
	assert.Equal(t, "missing_auth", e.External())
}

func TestReasonsMatchDomainCodes(t *testing.T) {
	// The metrics labels and the domain error codes must stay one
	// vocabulary
	assert.Equal(t, types.CodeMissingAuth, string(ReasonMissingAuth))
	assert.Equal(t, types.CodeInvalidTimestamp, string(ReasonInvalidTimestamp))
	assert.Equal(t, types.CodeStaleTimestamp, string(ReasonStaleTimestamp))
	assert.Equal(t, types.CodeReplayedNonce, string(ReasonReplayedNonce))
	assert.Equal(t, types.CodeInvalidSignature, string(ReasonInvalidSignature))
}

func TestSignHexIsLowercase(t *testing.T) {
	sig := SignHex([]byte(testSecret), "1.2.3")
	assert.Equal(t, strings.ToLower(sig), sig)
	assert.Len(t, sig, 64)
}
