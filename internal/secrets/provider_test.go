package secrets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *EnvProvider {
	t.Helper()
	p, err := NewEnvProvider(EnvProviderConfig{
		Peppers: map[string]string{
			PepperAPIKey:    "test-pepper",
			PepperRateLimit: "test-salt",
		},
		RotationGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestNewEnvProvider_RequiresPeppers(t *testing.T) {
	_, err := NewEnvProvider(EnvProviderConfig{
		Peppers: map[string]string{PepperAPIKey: "only-one"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), PepperRateLimit)

	_, err = NewEnvProvider(EnvProviderConfig{
		Peppers: map[string]string{
			PepperAPIKey:    "",
			PepperRateLimit: "salt",
		},
	})
	assert.Error(t, err, "empty pepper must be rejected, no defaults")
}

func TestHMACPepper(t *testing.T) {
	p := newTestProvider(t)

	pepper, err := p.HMACPepper(PepperAPIKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("test-pepper"), pepper)

	_, err = p.HMACPepper("NOPE")
	assert.Error(t, err)
}

func TestRotate_KeepsPreviousKeyForGrace(t *testing.T) {
	p := newTestProvider(t)

	before, err := p.CurrentSigningKey()
	require.NoError(t, err)

	require.NoError(t, p.Rotate())

	after, err := p.CurrentSigningKey()
	require.NoError(t, err)
	assert.NotEqual(t, before.Kid, after.Kid)

	prev := p.PreviousSigningKey()
	require.NotNil(t, prev)
	assert.Equal(t, before.Kid, prev.Kid)

	// Grace lapses; previous key disappears from publication.
	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, p.PreviousSigningKey())
}

func TestKidIsStable(t *testing.T) {
	p := newTestProvider(t)
	k, err := p.CurrentSigningKey()
	require.NoError(t, err)
	assert.Equal(t, KidFor(&k.Key.PublicKey), k.Kid)
}
