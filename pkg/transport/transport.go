// Package transport sets up the mutually authenticated TLS connections
// every edge↔client and edge↔cloud channel rides on. There is no gRPC
// here: the wire protocol is pkg/wireframe's tagged-frame codec, so
// this package only needs to hand callers a verified *tls.Conn.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/fieldmesh/edgecore/pkg/security"
)

// ServerConfig configures an mTLS listener.
type ServerConfig struct {
	Cert      tls.Certificate
	ClientCAs *x509.CertPool
	// RequireClientCert, when true, rejects any handshake without a
	// client cert that verifies against ClientCAs. When false the
	// listener requests but does not mandate a client cert on accept;
	// individual RPCs (e.g. enrollment) verify per-call, the same
	// staged-trust pattern the teacher's API server uses.
	RequireClientCert bool
}

// Listen opens an mTLS listener on addr.
func Listen(addr string, cfg ServerConfig) (net.Listener, error) {
	clientAuth := tls.RequireAndVerifyClientCert
	if !cfg.RequireClientCert {
		clientAuth = tls.RequestClientCert
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cfg.Cert},
		ClientAuth:   clientAuth,
		ClientCAs:    cfg.ClientCAs,
		MinVersion:   tls.VersionTLS13,
	}

	lis, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen mTLS on %s: %w", addr, err)
	}
	return lis, nil
}

// ClientConfig configures an mTLS dial.
type ClientConfig struct {
	Cert    tls.Certificate
	RootCAs *x509.CertPool
}

// Dial opens an mTLS connection to addr.
func Dial(addr string, cfg ClientConfig) (*tls.Conn, error) {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cfg.Cert},
		RootCAs:      cfg.RootCAs,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial mTLS %s: %w", addr, err)
	}
	return conn, nil
}

// PeerIdentity extracts the tenant/device identity embedded in the
// remote side's certificate, failing closed if the handshake has not
// completed or the peer presented no certificate.
func PeerIdentity(conn *tls.Conn) (security.PeerIdentity, error) {
	state := conn.ConnectionState()
	if !state.HandshakeComplete {
		return security.PeerIdentity{}, fmt.Errorf("transport: handshake not complete")
	}
	if len(state.PeerCertificates) == 0 {
		return security.PeerIdentity{}, fmt.Errorf("transport: no peer certificate presented")
	}
	return security.ExtractPeerIdentity(state.PeerCertificates[0])
}
