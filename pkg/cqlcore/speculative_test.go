package cqlcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstantSpeculativeExecutionPolicyBound(t *testing.T) {
	policy := ConstantSpeculativeExecutionPolicy{Delay: 50 * time.Millisecond, MaxSpeculativeExecutions: 2}
	plan := policy.NewPlan("ks")

	delay, ok := plan.NextExecution(0)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, delay)

	_, ok = plan.NextExecution(1)
	assert.True(t, ok)

	_, ok = plan.NextExecution(2)
	assert.False(t, ok, "plan must stop offering attempts once the max is reached")
}

func TestNoSpeculativeExecutionPolicyNeverOffersAnAttempt(t *testing.T) {
	plan := NoSpeculativeExecutionPolicy{}.NewPlan("ks")
	_, ok := plan.NextExecution(0)
	assert.False(t, ok)
}
