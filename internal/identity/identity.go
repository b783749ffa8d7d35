// Package identity implements the node's long-lived keypair and the
// per-peer cryptographic session: ECDH key agreement, HKDF-SHA256 session
// key derivation, a legacy AES-256-CBC/PKCS7 channel preserved for wire
// compatibility, an opt-in ChaCha20-Poly1305 AEAD upgrade, and ECDSA
// signing/verification.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "node_private.pem"
	publicKeyFile  = "node_public.pem"

	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// Identity is the node's long-lived P-384 ECDSA keypair, also used for ECDH
// key agreement via crypto/ecdsa's ECDH conversion methods.
type Identity struct {
	Private *ecdsa.PrivateKey
	NodeID  string
}

// LoadOrGenerate reads node_private.pem/node_public.pem from dir if present,
// otherwise generates a new P-384 keypair and persists it there.
func LoadOrGenerate(dir string) (*Identity, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privBytes, privErr := os.ReadFile(privPath)
	_, pubErr := os.Stat(pubPath)
	if privErr == nil && pubErr == nil {
		priv, err := parsePrivateKeyPEM(privBytes)
		if err != nil {
			return nil, fmt.Errorf("identity: parse existing private key: %w", err)
		}
		return newIdentity(priv), nil
	}

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := persist(dir, priv); err != nil {
		return nil, err
	}
	return newIdentity(priv), nil
}

func newIdentity(priv *ecdsa.PrivateKey) *Identity {
	return &Identity{Private: priv, NodeID: fingerprint(&priv.PublicKey)}
}

// fingerprint derives a node_id as the hex SHA-256 digest of the public
// key's SubjectPublicKeyInfo encoding.
func fingerprint(pub *ecdsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// Only fails for key types x509 doesn't know how to marshal; a
		// P-384 ecdsa key always succeeds.
		panic(err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func persist(dir string, priv *ecdsa.PrivateKey) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("identity: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: marshal public key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: pubDER})

	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("identity: write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}
	return nil
}

func parsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: private key is not ECDSA")
	}
	return priv, nil
}

// PublicKeyPEM returns the node's public key encoded as SubjectPublicKeyInfo
// PEM, the form exchanged with peers to bootstrap ECDH.
func (id *Identity) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&id.Private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// ParsePublicKeyPEM parses a peer's SubjectPublicKeyInfo PEM-encoded P-384
// ECDSA public key.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("identity: no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: public key is not ECDSA")
	}
	if pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("identity: unexpected curve %s, want P-384", pub.Curve.Params().Name)
	}
	return pub, nil
}
