package cqlcore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/sasl"
)

// fakeSession is a minimal sasl.Session used to drive authState without the
// real plain/scram wire exchange.
type fakeSession struct {
	doneAt     int
	challenges [][]byte
	err        error
}

func (s *fakeSession) Challenge(token []byte) (bool, []byte, error) {
	if s.err != nil {
		return false, nil, s.err
	}
	idx := len(s.challenges)
	s.challenges = append(s.challenges, token)
	return idx == s.doneAt, []byte("reply"), nil
}

// fakeMechanism is a minimal sasl.Mechanism.
type fakeMechanism struct {
	name       string
	firstWrite []byte
	session    *fakeSession
	authErr    error
}

func (m fakeMechanism) Name() string { return m.name }

func (m fakeMechanism) Authenticate(ctx context.Context, host string) (sasl.Session, []byte, error) {
	if m.authErr != nil {
		return nil, nil, m.authErr
	}
	return m.session, m.firstWrite, nil
}

func TestAuthStateStartReturnsFirstClientToken(t *testing.T) {
	state := &authState{mechanism: fakeMechanism{
		name:       "PLAIN",
		firstWrite: []byte("first"),
		session:    &fakeSession{doneAt: 0},
	}}

	clientWrite, err := state.start(context.Background(), Endpoint{Address: "127.0.0.1", Port: 9042}, "org.apache.cassandra.auth.PasswordAuthenticator")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), clientWrite)
}

func TestAuthStateStartWrapsMechanismError(t *testing.T) {
	state := &authState{mechanism: fakeMechanism{name: "PLAIN", authErr: errors.New("bad creds")}}
	_, err := state.start(context.Background(), Endpoint{}, "x")
	require.Error(t, err)
	_, ok := err.(*AuthenticationError)
	assert.True(t, ok)
}

func TestAuthStateChallengeReportsDone(t *testing.T) {
	session := &fakeSession{doneAt: 0}
	state := &authState{session: session}
	_, done, err := state.challenge([]byte("server-token"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, state.done)
}

func TestAuthStateChallengeContinuesAcrossMultipleRounds(t *testing.T) {
	session := &fakeSession{doneAt: 1}
	state := &authState{session: session}

	_, done, err := state.challenge([]byte("round-1"))
	require.NoError(t, err)
	assert.False(t, done)

	_, done, err = state.challenge([]byte("round-2"))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAuthStateChallengeWrapsSessionError(t *testing.T) {
	state := &authState{session: &fakeSession{err: errors.New("mac mismatch")}}
	_, _, err := state.challenge([]byte("token"))
	require.Error(t, err)
	_, ok := err.(*AuthenticationError)
	assert.True(t, ok)
}

func TestCredentialsFromPlain(t *testing.T) {
	m := CredentialsFromPlain("alice", "secret")
	assert.Equal(t, "alice", m["username"])
	assert.Equal(t, "secret", m["password"])
}

func TestNewAuthProviderConstructorsWireAMechanism(t *testing.T) {
	assert.NotNil(t, NewPlainAuthProvider("u", "p").Mechanism())
	assert.NotNil(t, NewSCRAMAuthProvider("u", "p").Mechanism())
	assert.NotNil(t, NewSCRAMSha512AuthProvider("u", "p").Mechanism())
}
