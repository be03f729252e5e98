package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	cred, err := Static{UserID: "1", Token: "secret"}.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credential{UserID: "1", Token: "secret"}, cred)

	_, err = Static{}.Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Static{UserID: "1"}.Credential(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
