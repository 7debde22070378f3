package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewIsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	assert.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+24)
	assert.NotEqual(t, id, WithPrefix("esc_"))
}

func TestChainQualified(t *testing.T) {
	id := ChainQualified("ethereum", "esc_")
	assert.True(t, strings.HasPrefix(id, "ethereum:esc_"))
	assert.Equal(t, "ethereum", ChainOf(id))
	assert.Equal(t, "", ChainOf("esc_abc"))
}

func TestReferralCode(t *testing.T) {
	code := ReferralCode()
	assert.Len(t, code, 8)
	assert.Equal(t, strings.ToUpper(code), code)
}
