package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-secret-key-for-testing-purposes"

func TestSigner_RejectsWeakSecret(t *testing.T) {
	_, err := NewSigner("short", "callkit", time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)
	_, err = NewVerifier("short", "callkit")
	assert.ErrorIs(t, err, ErrWeakSecret)
	_, err = NewSigner(testSecret, "callkit", 0)
	assert.Error(t, err)
}

func TestSigner_RTMRoundTrip(t *testing.T) {
	s, err := NewSigner(testSecret, "callkit", time.Hour)
	require.NoError(t, err)
	v, err := NewVerifier(testSecret, "callkit")
	require.NoError(t, err)

	token, expires, err := s.IssueRTM("user-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := v.VerifyRTM(token, "user-1")
	require.NoError(t, err)
	assert.Equal(t, KindRTM, claims.Kind)

	_, err = v.VerifyRTM(token, "user-2")
	assert.ErrorIs(t, err, ErrSubjectMismatch)

	_, err = v.Verify(token, KindRTC)
	assert.ErrorIs(t, err, ErrWrongKind)

	exp, err := ExpiryOf(token)
	require.NoError(t, err)
	assert.Equal(t, expires.Unix(), exp.Unix())
}

func TestSigner_RTC(t *testing.T) {
	s, err := NewSigner(testSecret, "callkit", time.Hour)
	require.NoError(t, err)
	v, err := NewVerifier(testSecret, "callkit")
	require.NoError(t, err)

	token, _, err := s.IssueRTC("room1", 7)
	require.NoError(t, err)
	claims, err := v.Verify(token, KindRTC)
	require.NoError(t, err)
	assert.Equal(t, "room1", claims.Channel)
	assert.Equal(t, uint32(7), claims.UID)

	_, _, err = s.IssueRTC("", 7)
	assert.Error(t, err)
	_, _, err = s.IssueRTM("")
	assert.Error(t, err)
}

func TestVerifier_RejectsExpiredAndForeign(t *testing.T) {
	s, err := NewSigner(testSecret, "callkit", time.Hour)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	v, err := NewVerifier(testSecret, "callkit")
	require.NoError(t, err)

	expired, _, err := s.IssueRTM("user-1")
	require.NoError(t, err)
	_, err = v.VerifyRTM(expired, "user-1")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other, err := NewSigner("another-very-long-secret-key-used-elsewhere", "callkit", time.Hour)
	require.NoError(t, err)
	foreign, _, err := other.IssueRTM("user-1")
	require.NoError(t, err)
	_, err = v.VerifyRTM(foreign, "user-1")
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	_, err = ExpiryOf("garbage")
	assert.Error(t, err)
}
