// Package identity manages a node's peer keypair: generation, the derived
// PeerID, and an encrypted on-disk keystore file.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/protoreg/ids"
)

// Identity is a node's ed25519 keypair, used to derive its PeerID.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// Generate creates a fresh keypair.
func Generate() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Priv: priv, Pub: pub}, nil
}

// PeerID derives this identity's PeerID from the first ids.Size bytes of
// SHA-256(pubkey).
func (id Identity) PeerID() ids.PeerID {
	h := sha256.Sum256(id.Pub)
	var p ids.PeerID
	copy(p[:], h[:ids.Size])
	return p
}

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

const pbkdf2Iterations = 210_000

// Save encrypts id's private key with password and writes it to path.
func Save(path, password string, id Identity) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, id.Priv, nil)

	ks := keystoreFile{
		PubKey:     hex.EncodeToString(id.Pub),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts the keystore at path using password.
func Load(path, password string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return Identity{}, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return Identity{}, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return Identity{}, err
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return Identity{}, err
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return Identity{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Identity{}, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return Identity{}, errors.New("identity: wrong password or corrupted keystore")
	}

	priv := ed25519.PrivateKey(privBytes)
	return Identity{Priv: priv, Pub: priv.Public().(ed25519.PublicKey)}, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
}
