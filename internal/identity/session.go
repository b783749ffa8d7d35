package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionKeyLength = 32
	aesBlockSize     = 16
	sessionKeyInfo   = "session_key"
)

var (
	// ErrNoSession is returned by channel operations for a peer with no
	// established session key.
	ErrNoSession = errors.New("identity: no session key for peer")
	// ErrNoPeerKey is returned when a peer's public key has not been
	// recorded, e.g. before EstablishSession or after EndSession.
	ErrNoPeerKey = errors.New("identity: no public key for peer")
	// ErrBadPadding is returned by DecryptCBC when PKCS7 padding is
	// malformed, rather than silently truncating garbage.
	ErrBadPadding = errors.New("identity: invalid PKCS7 padding")
)

type session struct {
	key     []byte
	peerPub *ecdsa.PublicKey
	epoch   uint32
}

// Sessions manages per-peer session keys and public keys derived from this
// node's long-lived Identity. One Sessions is typically shared by every
// peer connection a node maintains.
type Sessions struct {
	id *Identity

	mu    sync.RWMutex
	peers map[string]*session
}

// NewSessions returns a Sessions bound to id.
func NewSessions(id *Identity) *Sessions {
	return &Sessions{id: id, peers: make(map[string]*session)}
}

// EstablishSession parses the peer's PEM-encoded public key, computes the
// ECDH shared secret with this node's private key, and derives a 32-byte
// session key via HKDF-SHA256 with info="session_key:0" and an empty salt.
// The epoch suffix starts at zero and advances on every Rotate.
func (s *Sessions) EstablishSession(peerID string, peerPubPEM []byte) error {
	peerPub, err := ParsePublicKeyPEM(peerPubPEM)
	if err != nil {
		return fmt.Errorf("identity: parse peer public key: %w", err)
	}
	key, err := s.deriveKey(peerPub, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peers[peerID] = &session{key: key, peerPub: peerPub, epoch: 0}
	s.mu.Unlock()
	return nil
}

// deriveKey derives the session key for the given epoch. Mixing the epoch
// into HKDF's info parameter guarantees each Rotate call yields key material
// independent of every prior epoch, even though the ECDH shared secret
// itself is unchanged between rotations.
func (s *Sessions) deriveKey(peerPub *ecdsa.PublicKey, epoch uint32) ([]byte, error) {
	localECDH, err := s.id.Private.ECDH()
	if err != nil {
		return nil, fmt.Errorf("identity: local key not ECDH-capable: %w", err)
	}
	peerECDH, err := peerPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("identity: peer key not ECDH-capable: %w", err)
	}
	shared, err := localECDH.ECDH(peerECDH)
	if err != nil {
		return nil, fmt.Errorf("identity: ECDH exchange: %w", err)
	}

	info := fmt.Sprintf("%s:%d", sessionKeyInfo, epoch)
	reader := hkdf.New(sha256.New, shared, nil, []byte(info))
	key := make([]byte, sessionKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("identity: HKDF derive: %w", err)
	}
	return key, nil
}

// EndSession discards the session key and peer public key for peerID.
func (s *Sessions) EndSession(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Rotate advances peerID's session epoch and re-derives its key under the
// new epoch, so the resulting key is always distinct from every key
// produced by a prior Rotate (or EstablishSession) call for this peer.
// Ciphertext produced under the old key can no longer be decrypted once
// Rotate returns.
func (s *Sessions) Rotate(peerID string) error {
	s.mu.RLock()
	sess, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoPeerKey
	}

	nextEpoch := sess.epoch + 1
	newKey, err := s.deriveKey(sess.peerPub, nextEpoch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.peers[peerID]
	if !ok {
		return ErrNoPeerKey
	}
	cur.key = newKey
	cur.epoch = nextEpoch
	return nil
}

func (s *Sessions) keyFor(peerID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.peers[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess.key, nil
}

// EncryptCBC encrypts msg for peerID with AES-256-CBC and PKCS7 padding,
// returning IV‖ciphertext. This is the legacy, unauthenticated channel
// preserved for wire compatibility; prefer Seal for new sessions.
func (s *Sessions) EncryptCBC(peerID string, msg []byte) ([]byte, error) {
	key, err := s.keyFor(peerID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new AES cipher: %w", err)
	}

	iv := make([]byte, aesBlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("identity: generate IV: %w", err)
	}

	padded := pkcs7Pad(msg, aesBlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptCBC splits blob into its 16-byte IV and ciphertext, decrypts with
// AES-256-CBC, and strips PKCS7 padding, rejecting malformed padding rather
// than returning truncated garbage.
func (s *Sessions) DecryptCBC(peerID string, blob []byte) ([]byte, error) {
	key, err := s.keyFor(peerID)
	if err != nil {
		return nil, err
	}
	if len(blob) < aesBlockSize || (len(blob)-aesBlockSize)%aesBlockSize != 0 {
		return nil, fmt.Errorf("identity: malformed ciphertext length %d", len(blob))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new AES cipher: %w", err)
	}

	iv := blob[:aesBlockSize]
	ciphertext := blob[aesBlockSize:]
	if len(ciphertext) == 0 {
		return nil, ErrBadPadding
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded, aesBlockSize)
}

// Seal encrypts msg for peerID with ChaCha20-Poly1305, the AEAD upgrade
// path. It returns nonce‖ciphertext‖tag.
func (s *Sessions) Seal(peerID string, msg []byte) ([]byte, error) {
	key, err := s.keyFor(peerID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, msg, nil), nil
}

// Open authenticates and decrypts a Seal-produced blob for peerID.
func (s *Sessions) Open(peerID string, blob []byte) ([]byte, error) {
	key, err := s.keyFor(peerID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: new AEAD: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("identity: ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Sign signs msg with this node's private key using ECDSA-SHA256.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, id.Private, digest[:])
}

// Verify checks sig over msg against peerID's recorded public key.
func (s *Sessions) Verify(peerID string, msg, sig []byte) bool {
	s.mu.RLock()
	sess, ok := s.peers[peerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(sess.peerPub, digest[:], sig)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}
