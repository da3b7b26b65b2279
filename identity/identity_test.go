package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGeneratePeerIDIsDeterministicFromPubKey(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	p1 := id.PeerID()
	p2 := id.PeerID()
	if p1 != p2 {
		t.Fatalf("PeerID not stable across calls: %x != %x", p1, p2)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "node.keystore")

	if err := Save(path, "correct horse battery staple", id); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PeerID() != id.PeerID() {
		t.Fatalf("loaded identity has different PeerID: %x != %x", loaded.PeerID(), id.PeerID())
	}
	if !loaded.Priv.Equal(id.Priv) {
		t.Fatal("loaded private key does not match original")
	}
}

func TestLoadWrongPasswordFails(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "node.keystore")
	if err := Save(path, "right-password", id); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, "wrong-password"); err == nil {
		t.Fatal("expected error loading with wrong password")
	}
}

func TestKeystoreFileIsPrivateMode(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "node.keystore")
	if err := Save(path, "pw", id); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("keystore file mode = %v, want 0600", info.Mode().Perm())
	}
}
