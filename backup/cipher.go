package backup

import (
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"roomcrypt/configs"
	"roomcrypt/errs"
)

// SaltSize is the length of the random KDF salt stored in auth data.
const SaltSize = 16

// Cipher seals and opens backup blobs on the client side. The key comes
// from the backup passphrase through argon2id; the server never sees
// either.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a blob cipher from a passphrase and the per-version
// salt.
func NewCipher(passphrase, salt []byte) (*Cipher, error) {
	key := argon2.IDKey(passphrase, salt,
		configs.BackupKDFTime, configs.BackupKDFMemory, configs.BackupKDFThreads,
		chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.CryptoFailure("backup cipher init failed: %v", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewSalt generates a fresh KDF salt for a new backup version.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.CryptoFailure("salt generation failed: %v", err)
	}
	return salt, nil
}

// Seal encrypts a session export for upload. The room and session ids go
// into the additional data so a blob cannot be replayed under another
// session.
func (c *Cipher) Seal(plaintext []byte, roomID, sessionID string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.CryptoFailure("nonce generation failed: %v", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, ad(roomID, sessionID)), nil
}

// Open decrypts a downloaded blob.
func (c *Cipher) Open(blob []byte, roomID, sessionID string) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, errs.CryptoFailure("backup blob truncated")
	}
	nonce, body := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, ad(roomID, sessionID))
	if err != nil {
		return nil, errs.CryptoFailure("backup blob undecryptable")
	}
	return plaintext, nil
}

func ad(roomID, sessionID string) []byte {
	return []byte(roomID + "\x00" + sessionID)
}
