package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"

	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/stretchr/testify/require"
)

// setupIdentity builds a root CA and returns it plus its own certificate,
// ready to issue tenant CAs and device certs for a test.
func setupIdentity(t *testing.T) (*security.CertAuthority, *x509.Certificate) {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromTenantID("transport-test")))

	dir, err := os.MkdirTemp("", "edgecore-transport-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ca := security.NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	der := ca.GetRootCACert()
	rootCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return ca, rootCert
}

func TestDialListenMutualAuth(t *testing.T) {
	ca, rootCert := setupIdentity(t)

	_, err := ca.IssueTenantCA("tenant-1")
	require.NoError(t, err)

	serverCert, err := ca.IssueDeviceCert(security.DeviceCertProfile{
		TenantID: "tenant-1", DeviceID: "edge-1", Role: "edge",
	})
	require.NoError(t, err)
	clientCert, err := ca.IssueDeviceCert(security.DeviceCertProfile{
		TenantID: "tenant-1", DeviceID: "terminal-1", Role: "terminal",
	})
	require.NoError(t, err)

	rootPool := x509.NewCertPool()
	rootPool.AddCert(rootCert)

	lis, err := Listen("127.0.0.1:0", ServerConfig{
		Cert:              *serverCert,
		ClientCAs:         rootPool,
		RequireClientCert: true,
	})
	require.NoError(t, err)
	defer lis.Close()

	acceptErrCh := make(chan error, 1)
	identityCh := make(chan security.PeerIdentity, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		defer conn.Close()
		id, err := PeerIdentity(conn.(*tls.Conn))
		if err != nil {
			acceptErrCh <- err
			return
		}
		identityCh <- id
		acceptErrCh <- nil
	}()

	conn, err := Dial(lis.Addr().String(), ClientConfig{Cert: *clientCert, RootCAs: rootPool})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-acceptErrCh)
	id := <-identityCh
	require.Equal(t, "tenant-1", id.TenantID)
	require.Equal(t, "terminal-1", id.DeviceID)
}

func TestDialRejectsUntrustedServer(t *testing.T) {
	_, rootCert := setupIdentity(t)
	otherCA, _ := setupIdentity(t)

	_, err := otherCA.IssueTenantCA("tenant-2")
	require.NoError(t, err)
	serverCert, err := otherCA.IssueDeviceCert(security.DeviceCertProfile{
		TenantID: "tenant-2", DeviceID: "edge-2", Role: "edge",
	})
	require.NoError(t, err)
	clientCert, err := otherCA.IssueDeviceCert(security.DeviceCertProfile{
		TenantID: "tenant-2", DeviceID: "terminal-2", Role: "terminal",
	})
	require.NoError(t, err)

	rootPool := x509.NewCertPool()
	rootPool.AddCert(rootCert) // trusts the FIRST ca's root, not otherCA's

	lis, err := Listen("127.0.0.1:0", ServerConfig{Cert: *serverCert, RequireClientCert: false})
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	_, err = Dial(lis.Addr().String(), ClientConfig{Cert: *clientCert, RootCAs: rootPool})
	require.Error(t, err, "dial must fail when the server cert does not chain to the trusted root")
}

func TestPeerIdentityFailsBeforeHandshake(t *testing.T) {
	_, err := PeerIdentity(&tls.Conn{})
	require.Error(t, err)
}
