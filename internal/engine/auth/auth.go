package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"metacontrol/internal/domain"
	"metacontrol/internal/repo"
)

// ForbiddenError indicates a principal lacks the required scope.
type ForbiddenError struct {
	Scope string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("scope %s required", e.Scope)
}

// Principal is an authenticated API caller.
type Principal struct {
	Subject string
	Scopes  []string
	Source  string
}

// Allows reports whether p holds scope. The admin scope covers every scope.
func (p Principal) Allows(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == repo.ScopeAdmin {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless p holds scope.
func Require(p Principal, scope string) error {
	if p.Allows(scope) {
		return nil
	}
	return ForbiddenError{Scope: scope}
}

// Service issues and verifies API keys backed by the store.
type Service struct {
	Repo repo.Repo
}

const keyPrefix = "mcr_"

// CreateKey stores a new key and returns it with the raw secret. The secret
// is not recoverable afterwards.
func (s Service) CreateKey(ctx context.Context, name, scope string) (domain.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := keyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(name),
		Scope:   scope,
		KeyHash: repo.HashAPIKey(raw),
	}
	if err := s.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	stored, err := s.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return stored, raw, nil
}

// Authenticate resolves a raw API key to a principal.
func (s Service) Authenticate(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, errors.New("api key required")
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: key.ID, Scopes: []string{key.Scope}, Source: "api_key"}, nil
}
