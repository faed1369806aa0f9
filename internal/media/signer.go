// ABOUTME: Signed, time-limited media URLs using HS256 JWTs
// ABOUTME: The token subject is the provider file name being granted

package media

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const mediaAudience = "coven-chat/media"

// ErrExpiredURL is returned when a signed URL is past its expiry.
var ErrExpiredURL = errors.New("media url expired")

// URLSigner issues and checks read grants for stored media.
type URLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewURLSigner creates a signer. A zero ttl defaults to one hour.
func NewURLSigner(secret []byte, ttl time.Duration) *URLSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &URLSigner{secret: secret, ttl: ttl, now: time.Now}
}

// Sign returns a token granting read access to providerFileName.
func (s *URLSigner) Sign(providerFileName string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   providerFileName,
		Audience:  jwt.ClaimStrings{mediaAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing media url: %w", err)
	}
	return token, expires, nil
}

// Verify returns the provider file name a token grants access to.
func (s *URLSigner) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(mediaAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredURL
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidName
	}
	return sub, nil
}
