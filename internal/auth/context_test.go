// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Covers WithAuth, FromContext and the panicking MustFromContext

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{UserID: "alice", Source: SourceHeader})

	got := FromContext(ctx)
	if assert.NotNil(t, got) {
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, SourceHeader, got.Source)
	}

	assert.Nil(t, FromContext(context.Background()))
}

func TestMustFromContext(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{UserID: "bob"})
	assert.Equal(t, "bob", MustFromContext(ctx).UserID)

	assert.Panics(t, func() {
		MustFromContext(context.Background())
	})
}
