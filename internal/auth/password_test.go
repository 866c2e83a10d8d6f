package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewPasswordService_CostFallback(t *testing.T) {
	assert.Equal(t, DefaultCost, NewPasswordService(0).cost)
	assert.Equal(t, DefaultCost, NewPasswordService(bcrypt.MinCost-1).cost)
	assert.Equal(t, DefaultCost, NewPasswordService(bcrypt.MaxCost+1).cost)
	assert.Equal(t, bcrypt.MinCost, NewPasswordService(bcrypt.MinCost).cost)
}

func TestPasswordService_HashIsSalted(t *testing.T) {
	ps := NewPasswordService(bcrypt.MinCost)

	first, err := ps.Hash("open sesame")
	require.NoError(t, err)
	second, err := ps.Hash("open sesame")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first, "$2"), "not a bcrypt hash: %q", first)
	assert.NotEqual(t, first, second)
	assert.NotContains(t, first, "open sesame")
}

func TestPasswordService_ByteLimit(t *testing.T) {
	ps := NewPasswordService(bcrypt.MinCost)

	_, err := ps.Hash(strings.Repeat("x", MaxSecretBytes))
	assert.NoError(t, err)

	// 24 three-byte runes: 24 characters but 72 bytes, then one over.
	_, err = ps.Hash(strings.Repeat("密", 24))
	assert.NoError(t, err)
	_, err = ps.Hash(strings.Repeat("密", 24) + "x")
	assert.Error(t, err)
}

func TestPasswordService_Verify(t *testing.T) {
	ps := NewPasswordService(bcrypt.MinCost)

	tests := []struct {
		name    string
		secret  string
		attempt string
		want    error
	}{
		{"account credential", "password123", "password123", nil},
		{"chat lock", "1234", "1234", nil},
		{"unicode", "пароль-密码", "пароль-密码", nil},
		{"surrounding whitespace kept", "  pad  ", "  pad  ", nil},
		{"wrong secret", "password123", "password124", ErrMismatch},
		{"trimmed attempt", "  pad  ", "pad", ErrMismatch},
		{"empty attempt", "1234", "", ErrMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := ps.Hash(tt.secret)
			require.NoError(t, err)

			err = ps.Verify(hash, tt.attempt)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestPasswordService_VerifyCorruptHash(t *testing.T) {
	err := NewPasswordService(bcrypt.MinCost).Verify("not-a-bcrypt-hash", "1234")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMismatch)
}
