package cqlcore

import (
	"context"
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/sasl"
)

// dialFn matches the teacher's cfg.dialFn field: the single seam through
// which every outbound socket is opened, letting a caller swap in a
// proxying, tracing, or test dialer.
type dialFn func(ctx context.Context, network, addr string) (net.Conn, error)

// cfg is a client's fully-resolved configuration, built up by applying a
// slice of ClientOption values over sane defaults (spec's AMBIENT STACK:
// functional-options configuration, mirroring the teacher's own cfg/Opt
// split in broker.go/client construction).
type cfg struct {
	dialFn  dialFn
	tlsCfg  *TLSConfig
	logger  Logger
	hooks   hookSet
	sasls   []sasl.Mechanism

	maxProtocolVersion ProtocolVersion
	minProtocolVersion ProtocolVersion

	connectTimeout time.Duration
	readTimeout    time.Duration
	heartbeatInterval time.Duration
	idleTimeout       time.Duration

	writeCoalesceThreshold int

	keyspace string

	plainUser, plainPass string
	hasPlainAuth         bool

	retryPolicy               RetryPolicy
	loadBalancingPolicy       LoadBalancingPolicy
	speculativeExecutionPolicy SpeculativeExecutionPolicy

	defaultExecOptions ExecutionOptions
}

// TLSConfig carries the subset of crypto/tls.Config a CQL client needs to
// expose directly, plus the CA bundle path conventions DSE/Cassandra
// deployments commonly use (spec §6 sslOptions, grounded on the TLS dial
// path rkruze-franz-go/pkg/kgo/broker.go adds over the plain teacher).
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	Insecure   bool
}

func defaultCfg() cfg {
	return cfg{
		dialFn: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, network, addr)
		},
		logger:                     NopLogger(),
		maxProtocolVersion:         maxCoreProtocolVersion,
		minProtocolVersion:         ProtocolVersion1,
		connectTimeout:             10 * time.Second,
		readTimeout:                12 * time.Second,
		heartbeatInterval:          30 * time.Second,
		idleTimeout:                5 * time.Minute,
		writeCoalesceThreshold:     1 << 16,
		retryPolicy:                DefaultRetryPolicy{},
		loadBalancingPolicy:        NewRoundRobinPolicy(nil),
		speculativeExecutionPolicy: NoSpeculativeExecutionPolicy{},
		defaultExecOptions:         defaultExecutionOptions(),
	}
}

// ClientOption configures a client at construction, in the teacher's own
// functional-options idiom (cfg.dialFn/cfg.maxVersions set via Opt values
// throughout broker.go's construction path).
type ClientOption interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

func WithDialFn(fn func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return optFunc(func(c *cfg) { c.dialFn = fn })
}

func WithTLSConfig(t *TLSConfig) ClientOption {
	return optFunc(func(c *cfg) { c.tlsCfg = t })
}

func WithLogger(l Logger) ClientOption {
	return optFunc(func(c *cfg) { c.logger = l })
}

func WithHooks(hooks ...Hook) ClientOption {
	return optFunc(func(c *cfg) { c.hooks = newHookSet(hooks) })
}

func WithSASL(mechanisms ...sasl.Mechanism) ClientOption {
	return optFunc(func(c *cfg) { c.sasls = mechanisms })
}

// WithPlainTextAuth configures the legacy protocol v1 CREDENTIALS
// fallback (spec §4.5), used when a client negotiates down to v1 against
// a server that still requires authentication. Protocol v2+ servers use
// the SASL mechanisms from WithSASL instead.
func WithPlainTextAuth(username, password string) ClientOption {
	return optFunc(func(c *cfg) {
		c.plainUser, c.plainPass, c.hasPlainAuth = username, password, true
	})
}

func WithMaxProtocolVersion(v ProtocolVersion) ClientOption {
	return optFunc(func(c *cfg) { c.maxProtocolVersion = v })
}

func WithMinProtocolVersion(v ProtocolVersion) ClientOption {
	return optFunc(func(c *cfg) { c.minProtocolVersion = v })
}

func WithConnectTimeout(d time.Duration) ClientOption {
	return optFunc(func(c *cfg) { c.connectTimeout = d })
}

func WithReadTimeout(d time.Duration) ClientOption {
	return optFunc(func(c *cfg) { c.readTimeout = d })
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return optFunc(func(c *cfg) { c.heartbeatInterval = d })
}

func WithIdleTimeout(d time.Duration) ClientOption {
	return optFunc(func(c *cfg) { c.idleTimeout = d })
}

func WithWriteCoalesceThreshold(n int) ClientOption {
	return optFunc(func(c *cfg) { c.writeCoalesceThreshold = n })
}

func WithKeyspace(ks string) ClientOption {
	return optFunc(func(c *cfg) { c.keyspace = ks })
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return optFunc(func(c *cfg) { c.retryPolicy = p })
}

func WithLoadBalancingPolicy(p LoadBalancingPolicy) ClientOption {
	return optFunc(func(c *cfg) { c.loadBalancingPolicy = p })
}

func WithSpeculativeExecutionPolicy(p SpeculativeExecutionPolicy) ClientOption {
	return optFunc(func(c *cfg) { c.speculativeExecutionPolicy = p })
}

func newCfg(opts []ClientOption) cfg {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return c
}
