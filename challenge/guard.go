package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

// ReplayGuard remembers tokens that have already been spent on this process,
// for as long as the provider would still consider them live.
type ReplayGuard struct {
	spent *cache.Cache
}

// NewReplayGuard returns a guard that forgets tokens after TokenLifetime.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{spent: cache.New(TokenLifetime, 2*TokenLifetime)}
}

// Spend records token as used. It returns false if the token was already spent.
func (g *ReplayGuard) Spend(token string) bool {
	sum := sha256.Sum256([]byte(token))
	return g.spent.Add(hex.EncodeToString(sum[:]), struct{}{}, cache.DefaultExpiration) == nil
}

// Guarded wraps a Verifier so that a token is only ever sent to it once.
type Guarded struct {
	Verifier Verifier
	Guard    *ReplayGuard
}

// Verify rejects spent tokens without calling the wrapped verifier.
func (g Guarded) Verify(ctx context.Context, token string, remoteIP string) (VerificationResult, error) {
	if !g.Guard.Spend(token) {
		return VerificationResult{}, errors.Wrap(models.ChallengeFailed, "token already used")
	}
	return g.Verifier.Verify(ctx, token, remoteIP)
}
