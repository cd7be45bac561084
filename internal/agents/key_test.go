package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

func TestSessionKeyDeterministic(t *testing.T) {
	a := NewSessionKey("webapp", domain.RoleReviewer, "3f2a9c1e-77aa-4b1e-9c0d-1234567890ab")
	b := NewSessionKey("webapp", domain.RoleReviewer, "3f2a9c1e-ffff-0000-0000-000000000000")

	assert.Equal(t, "agent:webapp:reviewer:3f2a9c1e", a.String())
	assert.Equal(t, a, b)
}

func TestSessionKeyShortTaskIDAndDefaultRole(t *testing.T) {
	k := NewSessionKey("p", "", "t1")
	assert.Equal(t, "agent:p:dev:t1", k.String())
}

func TestParseSessionKeyRoundTrip(t *testing.T) {
	k := NewSessionKey("p1", domain.RoleConflictResolver, "abcdef0123")
	parsed, err := ParseSessionKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseSessionKeyRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "agent:p:dev", "session:p:dev:abc", "agent::dev:abc", "agent:p:dev:abc:extra"} {
		_, err := ParseSessionKey(s)
		assert.Error(t, err, s)
	}
}
