package identity

import (
	"testing"
)

func TestLoadOrGeneratePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if first.NodeID == "" {
		t.Fatal("expected non-empty node id")
	}

	second, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}
	if second.NodeID != first.NodeID {
		t.Fatalf("expected reloaded identity to have the same node id, got %q want %q", second.NodeID, first.NodeID)
	}
}

func TestECDHSymmetry(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, err := LoadOrGenerate(dirA)
	if err != nil {
		t.Fatalf("LoadOrGenerate A: %v", err)
	}
	b, err := LoadOrGenerate(dirB)
	if err != nil {
		t.Fatalf("LoadOrGenerate B: %v", err)
	}

	aPub, err := a.PublicKeyPEM()
	if err != nil {
		t.Fatalf("A PublicKeyPEM: %v", err)
	}
	bPub, err := b.PublicKeyPEM()
	if err != nil {
		t.Fatalf("B PublicKeyPEM: %v", err)
	}

	sessA := NewSessions(a)
	sessB := NewSessions(b)
	if err := sessA.EstablishSession(b.NodeID, bPub); err != nil {
		t.Fatalf("A EstablishSession: %v", err)
	}
	if err := sessB.EstablishSession(a.NodeID, aPub); err != nil {
		t.Fatalf("B EstablishSession: %v", err)
	}

	keyA, err := sessA.keyFor(b.NodeID)
	if err != nil {
		t.Fatalf("A keyFor: %v", err)
	}
	keyB, err := sessB.keyFor(a.NodeID)
	if err != nil {
		t.Fatalf("B keyFor: %v", err)
	}
	if string(keyA) != string(keyB) {
		t.Fatal("expected ECDH-derived session keys to match on both sides")
	}
}

func TestEncryptDecryptCBCRoundTrip(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _ := LoadOrGenerate(dirA)
	b, _ := LoadOrGenerate(dirB)
	bPub, _ := b.PublicKeyPEM()

	sessA := NewSessions(a)
	if err := sessA.EstablishSession(b.NodeID, bPub); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	msg := []byte("hello peer, this spans more than one AES block of plaintext")
	ct, err := sessA.EncryptCBC(b.NodeID, msg)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	pt, err := sessA.DecryptCBC(b.NodeID, ct)
	if err != nil {
		t.Fatalf("DecryptCBC: %v", err)
	}
	if string(pt) != string(msg) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, msg)
	}
}

func TestSessionKeyRotationChangesKeyAndInvalidatesOldCiphertext(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _ := LoadOrGenerate(dirA)
	b, _ := LoadOrGenerate(dirB)
	bPub, _ := b.PublicKeyPEM()

	sessA := NewSessions(a)
	if err := sessA.EstablishSession(b.NodeID, bPub); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	m1 := []byte("message one")
	ct1, err := sessA.EncryptCBC(b.NodeID, m1)
	if err != nil {
		t.Fatalf("EncryptCBC m1: %v", err)
	}

	keyBefore, _ := sessA.keyFor(b.NodeID)
	if err := sessA.Rotate(b.NodeID); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	keyAfter, _ := sessA.keyFor(b.NodeID)

	if string(keyBefore) == string(keyAfter) {
		t.Fatal("expected Rotate to produce a new session key")
	}

	if _, err := sessA.DecryptCBC(b.NodeID, ct1); err == nil {
		t.Fatal("expected decrypting pre-rotation ciphertext with the rotated key to fail")
	}

	m2 := []byte("message two")
	ct2, err := sessA.EncryptCBC(b.NodeID, m2)
	if err != nil {
		t.Fatalf("EncryptCBC m2: %v", err)
	}
	pt2, err := sessA.DecryptCBC(b.NodeID, ct2)
	if err != nil {
		t.Fatalf("DecryptCBC m2: %v", err)
	}
	if string(pt2) != string(m2) {
		t.Fatalf("m2 round trip mismatch: got %q", pt2)
	}
}

func TestSignAndVerify(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _ := LoadOrGenerate(dirA)
	b, _ := LoadOrGenerate(dirB)
	aPub, _ := a.PublicKeyPEM()

	sessB := NewSessions(b)
	if err := sessB.EstablishSession(a.NodeID, aPub); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	msg := []byte("sign me")
	sig, err := a.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !sessB.Verify(a.NodeID, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if sessB.Verify(a.NodeID, []byte("tampered"), sig) {
		t.Fatal("expected signature verification to fail for altered message")
	}
}

func TestPKCS7PadUnpadLaw(t *testing.T) {
	for n := 0; n <= 32; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, aesBlockSize)
		if len(padded)%aesBlockSize != 0 {
			t.Fatalf("padded length %d not a multiple of block size", len(padded))
		}
		unpadded, err := pkcs7Unpad(padded, aesBlockSize)
		if err != nil {
			t.Fatalf("unpad n=%d: %v", n, err)
		}
		if string(unpadded) != string(data) {
			t.Fatalf("unpad(pad(x)) != x for n=%d", n)
		}
	}
}

func TestDecryptCBCRejectsNoSession(t *testing.T) {
	dir := t.TempDir()
	a, _ := LoadOrGenerate(dir)
	sess := NewSessions(a)
	if _, err := sess.DecryptCBC("unknown-peer", make([]byte, 32)); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a, _ := LoadOrGenerate(dirA)
	b, _ := LoadOrGenerate(dirB)
	bPub, _ := b.PublicKeyPEM()

	sessA := NewSessions(a)
	if err := sessA.EstablishSession(b.NodeID, bPub); err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	msg := []byte("authenticated and encrypted")
	blob, err := sessA.Seal(b.NodeID, msg)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	out, err := sessA.Open(b.NodeID, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(out) != string(msg) {
		t.Fatalf("AEAD round trip mismatch: got %q", out)
	}

	blob[len(blob)-1] ^= 0xFF
	if _, err := sessA.Open(b.NodeID, blob); err == nil {
		t.Fatal("expected AEAD tamper detection to fail Open")
	}
}
