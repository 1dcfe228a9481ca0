package engine

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCodec(t *testing.T) {
	codec := NewTokenCodec([]byte("test-secret"))

	t.Run("round trip", func(t *testing.T) {
		token, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)

		payload, err := codec.Decode(token)
		require.NoError(t, err)
		assert.Equal(t, "run-1", payload.RunID)
		assert.Equal(t, "gate", payload.StageID)
		assert.NotEmpty(t, payload.Nonce)
	})

	t.Run("tokens are unique per issue", func(t *testing.T) {
		a, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)
		b, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		token, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)

		forged := base64.RawURLEncoding.EncodeToString([]byte(`{"run":"run-2","stage":"gate","nonce":"x"}`))
		_, sig, _ := splitToken(token)
		_, err = codec.Decode(forged + "." + sig)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)

		other := NewTokenCodec([]byte("different-secret"))
		_, err = other.Decode(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("same secret across codecs accepted", func(t *testing.T) {
		token, err := codec.Encode("run-1", "gate")
		require.NoError(t, err)

		restarted := NewTokenCodec([]byte("test-secret"))
		payload, err := restarted.Decode(token)
		require.NoError(t, err)
		assert.Equal(t, "run-1", payload.RunID)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		for _, token := range []string{"", "no-dot", "a.b", "!!!.???", "YQ.YQ"} {
			_, err := codec.Decode(token)
			assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
		}
	})

	t.Run("empty secret gets a random one", func(t *testing.T) {
		a := NewTokenCodec(nil)
		b := NewTokenCodec(nil)
		token, err := a.Encode("run-1", "gate")
		require.NoError(t, err)
		_, err = b.Decode(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func splitToken(token string) (payload, sig string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
