package cqlcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCfgHasAllCollaboratorsWired(t *testing.T) {
	c := defaultCfg()
	assert.NotNil(t, c.dialFn)
	assert.NotNil(t, c.logger)
	assert.NotNil(t, c.retryPolicy)
	assert.NotNil(t, c.loadBalancingPolicy, "a nil load-balancing policy would panic the first time a RequestHandler builds a query plan")
	assert.NotNil(t, c.speculativeExecutionPolicy)
	assert.Equal(t, ProtocolVersion1, c.minProtocolVersion)
	assert.Equal(t, maxCoreProtocolVersion, c.maxProtocolVersion)
}

func TestClientOptionsOverrideDefaults(t *testing.T) {
	c := newCfg([]ClientOption{
		WithConnectTimeout(2 * time.Second),
		WithIdleTimeout(90 * time.Second),
		WithKeyspace("app"),
		WithRetryPolicy(DefaultRetryPolicy{}),
	})

	assert.Equal(t, 2*time.Second, c.connectTimeout)
	assert.Equal(t, 90*time.Second, c.idleTimeout)
	assert.Equal(t, "app", c.keyspace)
	assert.Equal(t, DefaultRetryPolicy{}, c.retryPolicy)
}

func TestWithPlainTextAuthSetsCredentials(t *testing.T) {
	c := newCfg([]ClientOption{WithPlainTextAuth("user", "pass")})
	assert.True(t, c.hasPlainAuth)
	assert.Equal(t, "user", c.plainUser)
	assert.Equal(t, "pass", c.plainPass)
}
