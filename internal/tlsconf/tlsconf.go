// Package tlsconf derives the TLS credentials of the TCP control listener
// from the shared token.
//
// The server key is derived with HKDF, so the server and every client compute
// the same key from the same token. Clients check the server's public key
// against their own derivation instead of walking a certificate chain: a
// different token gives a different key and the handshake fails.
//
// Key derivation:
//
//	HKDF-SHA256(ikm=token, salt="datactl-tls-v1", info="server-key")
//	→ 64 bytes → reduced mod curve order → ECDSA P-256 key
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/credentials"
)

const serverName = "datactl"

// ErrKeyMismatch is returned by the client handshake when the server's key
// was derived from a different token.
var ErrKeyMismatch = errors.New("tlsconf: server public key does not match token")

// Credentials holds both ends of a token-derived TLS setup.
type Credentials struct {
	server *tls.Config
	pub    []byte // PKIX-encoded server public key
}

// New derives credentials from token. The token must not be empty.
func New(token string) (*Credentials, error) {
	if token == "" {
		return nil, errors.New("tlsconf: empty token")
	}
	key, err := deriveKey(token)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	der, err := selfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: cert: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: marshal pubkey: %w", err)
	}
	return &Credentials{
		server: &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
			NextProtos:   []string{"h2"},
			MinVersion:   tls.VersionTLS13,
		},
		pub: pub,
	}, nil
}

// ServerConfig returns the listener's tls.Config.
func (c *Credentials) ServerConfig() *tls.Config { return c.server.Clone() }

// Client returns gRPC client transport credentials that accept only a server
// holding the derived key.
func (c *Credentials) Client() credentials.TransportCredentials {
	return credentials.NewTLS(c.ClientConfig())
}

// ClientConfig returns the client tls.Config.
func (c *Credentials) ClientConfig() *tls.Config {
	return &tls.Config{
		// Chain verification is replaced by the key check below.
		InsecureSkipVerify:    true, //nolint:gosec
		ServerName:            serverName,
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{"h2"},
		VerifyPeerCertificate: c.verify,
	}
}

func (c *Credentials) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("tlsconf: server presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("tlsconf: parse server cert: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("tlsconf: marshal server pubkey: %w", err)
	}
	if !bytes.Equal(pub, c.pub) {
		return ErrKeyMismatch
	}
	return nil
}

func deriveKey(token string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, []byte(token), []byte("datactl-tls-v1"), []byte("server-key"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}

	curve := elliptic.P256()
	n := curve.Params().N
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	k.Add(k, big.NewInt(1)) // k ∈ [1, N-1]

	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = curve
	key.D = k
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return key, nil
}

// selfSignedCert returns a DER certificate for key. Only the public key is
// ever checked, so the serial and validity window are arbitrary.
func selfSignedCert(key *ecdsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
