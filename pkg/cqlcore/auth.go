package cqlcore

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// AuthProvider wraps a SASL mechanism for the SASL exchange that follows an
// AUTHENTICATE reply to STARTUP (spec §4.5 auth loop, §6 collaborator
// interfaces). A Connection authenticates with the first mechanism given to
// WithSASL and does not call AuthProvider itself, so a provider takes
// effect when its Mechanism() is passed to WithSASL. It adapts
// github.com/twmb/franz-go/pkg/sasl's Mechanism/Session pair directly
// instead of inventing a parallel CQL-specific auth abstraction, the same
// dependency the teacher already authenticates brokers with.
type AuthProvider interface {
	Mechanism() sasl.Mechanism
}

// staticAuthProvider is the common case: a single fixed mechanism (e.g.
// sasl/plain or sasl/scram), configured once at client construction.
type staticAuthProvider struct {
	mechanism sasl.Mechanism
}

func NewAuthProvider(mechanism sasl.Mechanism) AuthProvider {
	return staticAuthProvider{mechanism: mechanism}
}

func (p staticAuthProvider) Mechanism() sasl.Mechanism { return p.mechanism }

// NewPlainAuthProvider builds an AuthProvider around sasl/plain, the
// mechanism DSE's PlainTextAuthenticator and most PasswordAuthenticator
// deployments negotiate (spec §4.5/§6). user and pass are sent as-is; TLS
// is what protects them on the wire, the same assumption PLAIN makes for
// Kafka SASL/PLAIN in the teacher's own broker.go auth path.
func NewPlainAuthProvider(user, pass string) AuthProvider {
	return NewAuthProvider(plain.Auth{User: user, Pass: pass}.AsMechanism())
}

// NewSCRAMAuthProvider builds an AuthProvider around sasl/scram using
// SCRAM-SHA-256, for DSE deployments configured with
// com.datastax.bdp.cassandra.auth.DseAuthenticator over SCRAM rather than
// plain credentials (spec §4.5).
func NewSCRAMAuthProvider(user, pass string) AuthProvider {
	return NewAuthProvider(scram.Auth{User: user, Pass: pass}.AsSha256Mechanism())
}

// NewSCRAMSha512AuthProvider is NewSCRAMAuthProvider's SCRAM-SHA-512
// variant.
func NewSCRAMSha512AuthProvider(user, pass string) AuthProvider {
	return NewAuthProvider(scram.Auth{User: user, Pass: pass}.AsSha512Mechanism())
}

// authState drives one connection's SASL handshake: AUTH_RESPONSE frames
// are exchanged until the session reports done, matching the teacher's
// cxn.sasl/doSasl loop (broker.go) with Kafka's SASLHandshake/
// SASLAuthenticate wire messages replaced by CQL's AUTHENTICATE/
// AUTH_RESPONSE/AUTH_CHALLENGE/AUTH_SUCCESS opcodes (spec §4.5/§6).
type authState struct {
	mechanism sasl.Mechanism
	session   sasl.Session
	done      bool
}

// start begins a SASL exchange against authenticator (the class name the
// server's AUTHENTICATE frame reported), returning the first client token
// to send as an AUTH_RESPONSE.
func (a *authState) start(ctx context.Context, endpoint Endpoint, authenticator string) ([]byte, error) {
	session, clientWrite, err := a.mechanism.Authenticate(ctx, endpoint.Address)
	if err != nil {
		return nil, &AuthenticationError{Inner: fmt.Errorf("mechanism %s: %w", a.mechanism.Name(), err)}
	}
	a.session = session
	return clientWrite, nil
}

// challenge feeds one AUTH_CHALLENGE frame's token through the session,
// returning the next client token to send and whether the exchange is now
// complete. Once done is true the caller expects (and must still wait for)
// an AUTH_SUCCESS frame, per spec §4.5.
func (a *authState) challenge(token []byte) (clientWrite []byte, done bool, err error) {
	done, clientWrite, err = a.session.Challenge(token)
	if err != nil {
		return nil, false, &AuthenticationError{Inner: err}
	}
	a.done = done
	return clientWrite, done, nil
}

// CredentialsFromPlain builds the legacy v1 CREDENTIALS map
// ("username"/"password") from a plain-auth identity, for servers that
// predate SASL-over-CQL (spec §4.5: "v1 uses CREDENTIALS, v2+ uses
// AUTH_RESPONSE").
func CredentialsFromPlain(user, pass string) map[string]string {
	return map[string]string{
		"username": user,
		"password": pass,
	}
}
