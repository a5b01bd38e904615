package webhook

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

const testSecret = "whsec_0123456789abcdef"

func TestSign_Deterministic(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1"}`)

	a := Sign(testSecret, payload, ts)
	b := Sign(testSecret, payload, ts)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Sign(testSecret, payload, ts.Add(time.Second)))
	assert.NotEqual(t, a, Sign("whsec_other_secret_00", payload, ts))
}

func TestSignatureHeader_Format(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	h := SignatureHeader(testSecret, []byte("x"), ts)
	assert.True(t, strings.HasPrefix(h, "t=1700000000,v1="))
}

func TestVerifyHeader_RoundTrip(t *testing.T) {
	payload := []byte(`{"event":"user.created"}`)
	h := SignatureHeader(testSecret, payload, time.Now())
	require.NoError(t, VerifyHeader(h, testSecret, payload, 0))
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"event":"user.created"}`)
	sig := Sign(testSecret, payload, now)

	tests := []struct {
		name    string
		sig     string
		secret  string
		payload []byte
		ts      time.Time
	}{
		{"tampered payload", sig, testSecret, []byte(`{"event":"user.deleted"}`), now},
		{"wrong secret", sig, "whsec_not_the_right_one", payload, now},
		{"stale timestamp", Sign(testSecret, payload, now.Add(-10*time.Minute)), testSecret, payload, now.Add(-10 * time.Minute)},
		{"future timestamp", Sign(testSecret, payload, now.Add(10*time.Minute)), testSecret, payload, now.Add(10 * time.Minute)},
		{"empty secret", sig, "", payload, now},
		{"garbage signature", "zzzz", testSecret, payload, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyAt(now, []string{tt.sig}, tt.secret, tt.payload, tt.ts, DefaultTolerance)
			require.Error(t, err)
			assert.True(t, errors.Is(err, aeerrors.ErrInvalidSignature))
			var se *aeerrors.SignatureError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestVerify_WithinTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte("body")
	signedAt := now.Add(-4 * time.Minute)
	err := verifyAt(now, []string{Sign(testSecret, payload, signedAt)}, testSecret, payload, signedAt, DefaultTolerance)
	assert.NoError(t, err)

	err = verifyAt(now, []string{Sign(testSecret, payload, signedAt)}, testSecret, payload, signedAt, time.Minute)
	assert.Error(t, err)
}

func TestVerify_AnyOfSeveralSignatures(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte("body")
	good := Sign(testSecret, payload, now)
	err := verifyAt(now, []string{"deadbeef", strings.ToUpper(good)}, testSecret, payload, now, 0)
	assert.NoError(t, err)
}

func TestParseHeader(t *testing.T) {
	ts, sigs, err := ParseHeader("t=1700000000, v1=abc, v0=old, v1=def")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.Equal(t, []string{"abc", "def"}, sigs)

	for _, bad := range []string{"", "   ", "v1=abc", "t=1700000000", "t=notanumber,v1=abc"} {
		_, _, err := ParseHeader(bad)
		assert.ErrorIs(t, err, aeerrors.ErrInvalidSignature, "header %q", bad)
	}
}
