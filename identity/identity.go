// Package identity answers "who am I" for the messaging engine.
//
// Credentials are opaque: the engine hands the token to the transport at
// connect time and never looks inside it.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned when the remote side rejects a credential.
var ErrInvalidCredential = errors.New("invalid credentials")

// ErrNoIdentity is returned by a Source that has no user to offer.
var ErrNoIdentity = errors.New("no identity available")

type Credential struct {
	UserID string
	Token  string
}

type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

// Static is a Source that always returns the same credential.
type Static Credential

func (s Static) Credential(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	if s.UserID == "" {
		return Credential{}, ErrNoIdentity
	}
	return Credential(s), nil
}
