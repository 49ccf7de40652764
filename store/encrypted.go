package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/coinwatch/spvsync/spverrors"
)

// encryptedMagic tags a file as one of ours, so OpenEncrypted can tell
// an encrypted store apart from a fresh, empty path.
var encryptedMagic = [4]byte{'s', 'p', 'v', 'e'}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// OpenEncrypted opens a passphrase-protected store at path. The
// on-disk file holds a salt and nonce header followed by an
// AES-256-GCM sealed copy of the SQLite database; it is decrypted into
// a temporary file for the lifetime of the Store and re-sealed on
// Close. A fresh, nonexistent path is initialized as a new encrypted,
// empty database.
//
// The plaintext database exists on disk, in the temp file, for as long
// as the store is open. That is the tradeoff of encrypting at the file
// level instead of per-page: no ecosystem SQLite driver here supports
// SQLCipher-style transparent page encryption without cgo.
func OpenEncrypted(path, passphrase string) (*Store, error) {
	tmp, err := os.CreateTemp("", "spvsync-*.sqlite")
	if err != nil {
		return nil, spverrors.NewStoreError("open_encrypted", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	salt, err := decryptToFile(path, passphrase, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	s, err := open(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	s.encrypted = &encryptionState{
		sourcePath: path,
		tmpPath:    tmpPath,
		passphrase: passphrase,
		salt:       salt,
	}
	return s, nil
}

type encryptionState struct {
	sourcePath string
	tmpPath    string
	passphrase string
	salt       []byte
}

// decryptToFile reads srcPath (if it exists), decrypts it into
// dstPath, and returns the salt used to derive its key. If srcPath
// does not exist, dstPath is left empty and a fresh salt is generated
// for the store that will be created there.
func decryptToFile(srcPath, passphrase, dstPath string) ([]byte, error) {
	data, err := os.ReadFile(srcPath)
	if os.IsNotExist(err) {
		salt := make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, spverrors.NewStoreError("open_encrypted", err)
		}
		return salt, nil
	}
	if err != nil {
		return nil, spverrors.NewStoreError("open_encrypted", err)
	}

	if len(data) < 4+saltLen || [4]byte(data[:4]) != encryptedMagic {
		return nil, spverrors.NewStoreError("open_encrypted",
			errInvalidEncryptedFile)
	}
	salt := data[4 : 4+saltLen]
	sealed := data[4+saltLen:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, spverrors.NewStoreError("open_encrypted", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, spverrors.NewStoreError("open_encrypted", errInvalidEncryptedFile)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, spverrors.NewStoreError("open_encrypted", err)
	}

	if err := os.WriteFile(dstPath, plaintext, 0o600); err != nil {
		return nil, spverrors.NewStoreError("open_encrypted", err)
	}
	return salt, nil
}

// Close, on an encrypted store, seals the decrypted temp file back to
// its source path before removing the temp copy.
func (s *Store) Close() error {
	if s.encrypted == nil {
		return s.db.Close()
	}

	if err := s.db.Close(); err != nil {
		return spverrors.NewStoreError("close", err)
	}

	plaintext, err := os.ReadFile(s.encrypted.tmpPath)
	if err != nil {
		return spverrors.NewStoreError("close", err)
	}
	defer os.Remove(s.encrypted.tmpPath)

	gcm, err := newGCM(s.encrypted.passphrase, s.encrypted.salt)
	if err != nil {
		return spverrors.NewStoreError("close", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return spverrors.NewStoreError("close", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, 0, 4+len(s.encrypted.salt)+len(sealed))
	out = append(out, encryptedMagic[:]...)
	out = append(out, s.encrypted.salt...)
	out = append(out, sealed...)

	return os.WriteFile(s.encrypted.sourcePath, out, 0o600)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var errInvalidEncryptedFile = errors.New("store: not a recognized encrypted database file")
