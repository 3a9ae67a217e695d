package doubleratchet

import (
	hmac2 "crypto/hmac"

	"roomcrypt/crypto"
	"roomcrypt/crypto/aes256"
	"roomcrypt/crypto/dh25519"
	"roomcrypt/crypto/hkdf"
	"roomcrypt/crypto/hmac"
	"roomcrypt/crypto/key_ed25519"
)

var (
	// Salts must be unique for each KDF invocation
	HKDFSaltKDF_RK = []byte("RootKey")
	HKDFSaltAES    = []byte("MessageKey")
)

// doubleRatchetUtils is the external-function set from the double ratchet
// spec: DH, the two KDFs and the AEAD.
type doubleRatchetUtils interface {
	// generateDH returns a new Diffie-Hellman key pair
	generateDH() (*key_ed25519.Pair, error)

	// dh returns the output from the Diffie-Hellman calculation
	dh(privKey key_ed25519.PrivateKey, pubKey key_ed25519.PublicKey) (*RatchetKey, error)

	// kdfRk derives (root key, chain key) from the current root key and a
	// Diffie-Hellman output
	kdfRk(rk RatchetKey, dhOut RatchetKey) (rootKey *RatchetKey, chainKey *RatchetKey, err error)

	// kdfCk derives (next chain key, message key) from a chain key
	kdfCk(ck RatchetKey) (chainKey *RatchetKey, messageKey *MsgKey, err error)

	// encrypt returns the AEAD encryption of plaintext with message key mk
	encrypt(mk MsgKey, plaintext []byte, associatedData []byte) (ciphertext []byte, err error)

	// decrypt returns the AEAD decryption of ciphertext with message key mk
	decrypt(mk MsgKey, ciphertext []byte, associatedData []byte) (plaintext []byte, err error)

	// concat encodes a message header into a parseable byte sequence,
	// prepending the ad bytes
	concat(ad []byte, header Header) ([]byte, error)
}

type doubleRatchetUtilsImpl struct{}

func newDoubleRatchetUtils() doubleRatchetUtils {
	return &doubleRatchetUtilsImpl{}
}

func (dr *doubleRatchetUtilsImpl) generateDH() (*key_ed25519.Pair, error) {
	return key_ed25519.NewPair()
}

func (dr *doubleRatchetUtilsImpl) dh(privKey key_ed25519.PrivateKey, pubKey key_ed25519.PublicKey) (*RatchetKey, error) {
	secret, err := dh25519.GetSharedSecret(privKey, pubKey)
	if err != nil {
		return nil, err
	}
	if len(secret) != 32 {
		return nil, ErrInvalidSecretLength
	}
	var secret32 RatchetKey
	copy(secret32[:], secret)
	return &secret32, nil
}

func (dr *doubleRatchetUtilsImpl) kdfRk(rk RatchetKey, dhOut RatchetKey) (*RatchetKey, *RatchetKey, error) {
	buffer := make([]byte, 64)
	if n, err := hkdf.KDF(crypto.DefaultHashFunc, dhOut[:], rk[:], HKDFSaltKDF_RK, buffer); err != nil {
		return nil, nil, err
	} else if n != 64 {
		return nil, nil, ErrInvalidSecretLength
	}
	var rootKey, chainKey RatchetKey
	copy(rootKey[:], buffer[:32])
	copy(chainKey[:], buffer[32:])
	return &rootKey, &chainKey, nil
}

func (dr *doubleRatchetUtilsImpl) kdfCk(ck RatchetKey) (*RatchetKey, *MsgKey, error) {
	messageKey := hmac.Hash(crypto.DefaultHashFunc, ck[:], []byte{0x01})
	chainKey := hmac.Hash(crypto.DefaultHashFunc, ck[:], []byte{0x02})
	if len(messageKey) != 32 || len(chainKey) != 32 {
		return nil, nil, ErrInvalidSecretLength
	}
	var chainKey32 RatchetKey
	var messageKey32 MsgKey
	copy(chainKey32[:], chainKey)
	copy(messageKey32[:], messageKey)
	return &chainKey32, &messageKey32, nil
}

func (dr *doubleRatchetUtilsImpl) encrypt(mk MsgKey, plaintext []byte, associatedData []byte) ([]byte, error) {
	encKey, authKey, iv, err := deriveMessageCipher(mk)
	if err != nil {
		return nil, err
	}

	ciphertext, err := aes256.Encrypt(plaintext, encKey, iv)
	if err != nil {
		return nil, err
	}

	// HMAC input is the associated data prepended to the ciphertext
	tag := hmac.Hash(crypto.DefaultHashFunc, authKey[:], append(append([]byte{}, associatedData...), ciphertext...))
	return append(ciphertext, tag...), nil
}

func (dr *doubleRatchetUtilsImpl) decrypt(mk MsgKey, ciphertext []byte, associatedData []byte) ([]byte, error) {
	if len(ciphertext) <= crypto.HMACSHA256Size {
		return nil, ErrInvalidTag
	}
	encKey, authKey, iv, err := deriveMessageCipher(mk)
	if err != nil {
		return nil, err
	}

	body := ciphertext[:len(ciphertext)-crypto.HMACSHA256Size]
	tag := hmac.Hash(crypto.DefaultHashFunc, authKey[:], append(append([]byte{}, associatedData...), body...))
	if !hmac2.Equal(tag, ciphertext[len(ciphertext)-crypto.HMACSHA256Size:]) {
		return nil, ErrInvalidTag
	}

	return aes256.Decrypt(body, encKey, iv)
}

func (dr *doubleRatchetUtilsImpl) concat(ad []byte, header Header) ([]byte, error) {
	headerBytes, err := header.Marshal()
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, ad...), headerBytes...), nil
}

// deriveMessageCipher expands a message key into AES key, auth key and IV.
func deriveMessageCipher(mk MsgKey) (encKey [32]byte, authKey [32]byte, iv [16]byte, err error) {
	key := make([]byte, 80)
	n, err := hkdf.KDF(crypto.DefaultHashFunc, mk[:], nil, HKDFSaltAES, key)
	if err != nil {
		return
	}
	if n != 80 {
		err = ErrInvalidSecretLength
		return
	}
	copy(encKey[:], key[:32])
	copy(authKey[:], key[32:64])
	copy(iv[:], key[64:])
	return
}
