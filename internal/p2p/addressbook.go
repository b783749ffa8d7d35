package p2p

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// addressBookFile is the on-disk YAML shape of an AddressBook.
type addressBookFile struct {
	Peers []string `yaml:"peers"`
}

// AddressBook is a persisted set of known peer addresses (host:port),
// supplementing the static bootstrap list with addresses learned from
// PEER_DISCOVERY/PEER_LIST traffic so a restarted node has more than the
// compiled-in bootstrap set to dial.
type AddressBook struct {
	path string

	mu    sync.Mutex
	addrs map[string]struct{}
}

// LoadAddressBook reads path if it exists, starting from an empty book
// otherwise. A malformed file is treated as empty rather than fatal, since
// the address book is a cache, not a source of truth.
func LoadAddressBook(path string) *AddressBook {
	b := &AddressBook{path: path, addrs: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if err != nil {
		return b
	}
	var f addressBookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return b
	}
	for _, a := range f.Peers {
		b.addrs[a] = struct{}{}
	}
	return b
}

// Add records addr as known.
func (b *AddressBook) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[addr] = struct{}{}
}

// Addrs returns every known address.
func (b *AddressBook) Addrs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.addrs))
	for a := range b.addrs {
		out = append(out, a)
	}
	return out
}

// KnownPeers implements dispatch.PeerDirectory.
func (b *AddressBook) KnownPeers() []string { return b.Addrs() }

// MergePeers implements dispatch.PeerDirectory: it records every address
// the remote side reported as known.
func (b *AddressBook) MergePeers(peers []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range peers {
		if a != "" {
			b.addrs[a] = struct{}{}
		}
	}
}

// Save writes the address book to its path as YAML. It is called on clean
// shutdown and periodically by the connection manager's maintenance loop.
func (b *AddressBook) Save() error {
	b.mu.Lock()
	f := addressBookFile{Peers: make([]string, 0, len(b.addrs))}
	for a := range b.addrs {
		f.Peers = append(f.Peers, a)
	}
	b.mu.Unlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o644)
}
