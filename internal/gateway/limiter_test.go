package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterOptions{Enabled: false})
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
}

func TestLimiterPerIPBurst(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterOptions{
		Enabled:     true,
		PerIPRate:   1,
		PerIPBurst:  3,
		GlobalRate:  1000,
		GlobalBurst: 1000,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "within burst")
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	// Other IPs have their own budget.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestLimiterGlobalBudget(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterOptions{
		Enabled:     true,
		PerIPRate:   1000,
		PerIPBurst:  1000,
		GlobalRate:  1,
		GlobalBurst: 2,
	})

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"), "global budget spent")
}
