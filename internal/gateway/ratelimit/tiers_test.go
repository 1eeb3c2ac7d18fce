package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() Plan {
	return NewPlan(
		Tier{MaxRequests: 5, Window: time.Minute},
		Tier{MaxRequests: 10, Window: time.Minute},
		Tier{MaxRequests: 100, Window: time.Minute},
		Tier{MaxRequests: 50, Window: time.Minute},
	)
}

func TestPlan_Anonymous(t *testing.T) {
	checks := testPlan().Checks("10.0.0.0/24", "", false)
	require.Len(t, checks, 2)
	assert.Equal(t, "ip:10.0.0.0/24", checks[0].Scope)
	assert.Equal(t, TierIP, checks[0].Tier.Name)
	assert.Equal(t, "global", checks[1].Scope)
	assert.Equal(t, 100, checks[1].Tier.MaxRequests)
}

func TestPlan_User(t *testing.T) {
	checks := testPlan().Checks("10.0.0.0/24", "alice", false)
	require.Len(t, checks, 3)
	assert.Equal(t, "user:alice", checks[1].Scope)
	assert.Equal(t, 10, checks[1].Tier.MaxRequests)
}

func TestPlan_PremiumReplacesUser(t *testing.T) {
	checks := testPlan().Checks("10.0.0.0/24", "alice", true)
	require.Len(t, checks, 3)
	assert.Equal(t, "premium:alice", checks[1].Scope)
	assert.Equal(t, TierPremium, checks[1].Tier.Name)
	assert.Equal(t, 50, checks[1].Tier.MaxRequests)
	for _, c := range checks {
		assert.NotEqual(t, TierUser, c.Tier.Name)
	}
}
