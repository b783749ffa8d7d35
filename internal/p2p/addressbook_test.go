package p2p

import (
	"path/filepath"
	"testing"
)

func TestAddressBookAddAndSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.yaml")
	b := LoadAddressBook(path)
	b.Add("127.0.0.1:8333")
	b.Add("127.0.0.1:8334")

	if err := b.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := LoadAddressBook(path)
	addrs := reloaded.Addrs()
	if len(addrs) != 2 {
		t.Fatalf("expected 2 persisted addresses, got %v", addrs)
	}
}

func TestAddressBookMergePeersIgnoresEmpty(t *testing.T) {
	b := LoadAddressBook(filepath.Join(t.TempDir(), "peers.yaml"))
	b.MergePeers([]string{"a:1", "", "b:2"})
	known := b.KnownPeers()
	if len(known) != 2 {
		t.Fatalf("expected 2 known peers, got %v", known)
	}
}

func TestLoadAddressBookMissingFileIsEmpty(t *testing.T) {
	b := LoadAddressBook(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if len(b.Addrs()) != 0 {
		t.Fatalf("expected empty address book, got %v", b.Addrs())
	}
}
