package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// MinSecretLength is the shortest HMAC secret accepted for service tokens.
const MinSecretLength = 32

// TokenKind says what a service token grants.
type TokenKind string

const (
	KindRTM TokenKind = "rtm"
	KindRTC TokenKind = "rtc"
)

var (
	ErrWeakSecret      = fmt.Errorf("token secret must be at least %d characters", MinSecretLength)
	ErrWrongKind       = errors.New("token kind mismatch")
	ErrSubjectMismatch = errors.New("token issued for a different user")
	ErrNoExpiry        = errors.New("token has no expiry")
)

// ServiceClaims are carried by tokens the token server issues.
type ServiceClaims struct {
	Kind    TokenKind `json:"kind"`
	Channel string    `json:"channel,omitempty"`
	UID     uint32    `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues HS256 service tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a signer whose tokens live for ttl.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive (got %s)", ttl)
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// IssueRTM signs a messaging login token for userID.
func (s *Signer) IssueRTM(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	return s.issue(ServiceClaims{Kind: KindRTM}, userID)
}

// IssueRTC signs a publisher token for uid in channel.
func (s *Signer) IssueRTC(channel string, uid types.RosterID) (string, time.Time, error) {
	if channel == "" {
		return "", time.Time{}, errors.New("channel is required")
	}
	return s.issue(ServiceClaims{Kind: KindRTC, Channel: channel, UID: uint32(uid)}, uid.String())
}

func (s *Signer) issue(claims ServiceClaims, subject string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verifier checks HS256 service tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses tokenString and checks its signature, expiry and kind.
func (v *Verifier) Verify(tokenString string, kind TokenKind) (*ServiceClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrWrongKind, kind, claims.Kind)
	}
	return claims, nil
}

// VerifyRTM verifies a messaging token and that it was issued to userID.
func (v *Verifier) VerifyRTM(tokenString, userID string) (*ServiceClaims, error) {
	claims, err := v.Verify(tokenString, KindRTM)
	if err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, ErrSubjectMismatch
	}
	return claims, nil
}

// ExpiryOf reads the exp claim without verifying the signature. Clients use
// it to schedule renewal of tokens they cannot verify.
func ExpiryOf(tokenString string) (time.Time, error) {
	claims := &ServiceClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
