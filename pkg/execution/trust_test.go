package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

func TestTrustPolicies(t *testing.T) {
	native := NewFunc("n", func(context.Context, *Scope, interface{}) ([]interface{}, error) { return nil, nil })
	script := NewScript("s", "item => item")
	other := NewScript("o", "item => [item]")

	assert.True(t, AlwaysTrusted.IsTrusted(native))
	assert.True(t, AlwaysTrusted.IsTrusted(script))

	assert.True(t, NativeOnly.IsTrusted(native))
	assert.False(t, NativeOnly.IsTrusted(script))

	allow := DigestAllowlist(script.Digest())
	assert.True(t, allow.IsTrusted(native))
	assert.True(t, allow.IsTrusted(script))
	assert.False(t, allow.IsTrusted(other))
}

func TestDigest(t *testing.T) {
	s := NewScript("s", "item => item")
	assert.Equal(t, Digest("item => item"), s.Digest())
	assert.Len(t, s.Digest(), 64)
	assert.NotEqual(t, s.Digest(), NewScript("s", "item => [item]").Digest())
}

func TestVerify(t *testing.T) {
	native := NewFunc("n", func(context.Context, *Scope, interface{}) ([]interface{}, error) { return nil, nil })
	script := NewScript("helper", "x => x")

	require.NoError(t, Verify(nil, "stage", script, Environment{}))
	require.NoError(t, Verify(NativeOnly, "stage", native, Environment{}, nil))

	err := Verify(NativeOnly, "parse", script, Environment{})
	require.Error(t, err)
	assert.True(t, gferrors.IsSecurityError(err))

	var secErr *gferrors.SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.Equal(t, "parse", secErr.Stage)
	assert.Equal(t, "helper", secErr.Callable)

	err = Verify(NativeOnly, "parse", native, Environment{Functions: map[string]Callable{"h": script}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "helper script")

	err = Verify(NativeOnly, "parse", native, Environment{}, script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook script")
}
