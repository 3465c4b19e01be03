package synclog

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"graphshell/internal/diagnostics"
)

var ErrSealedBlob = errors.New("malformed sealed sync log")

type persisted struct {
	WorkspaceID   string                `json:"workspace_id"`
	VersionVector VersionVector         `json:"version_vector"`
	Intents       []SyncedIntent        `json:"intents"`
	LastWrite     map[string]WriteStamp `json:"last_write"`
	Tombstones    map[string]uint64     `json:"tombstones"`
}

func deriveKey(secret []byte, workspaceID string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte("graphshell-synclog:"+workspaceID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving sync log key: %w", err)
	}
	return key, nil
}

// Seal encrypts the full log state with a key derived from secret.
func (l *Log) Seal(secret []byte) ([]byte, error) {
	plain, err := json.Marshal(persisted{
		WorkspaceID:   l.workspaceID,
		VersionVector: l.vv,
		Intents:       l.intents,
		LastWrite:     l.lastWrite,
		Tombstones:    l.tombstones,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding sync log: %w", err)
	}
	key, err := deriveKey(secret, l.workspaceID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sync log nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(l.workspaceID)), nil
}

// Open decrypts a blob produced by Seal for workspaceID.
func Open(secret []byte, workspaceID string, blob []byte, sink diagnostics.Sink) (*Log, error) {
	key, err := deriveKey(secret, workspaceID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, ErrSealedBlob
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedBlob, err)
	}
	var p persisted
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedBlob, err)
	}

	l := New(workspaceID, sink)
	l.intents = p.Intents
	if p.VersionVector != nil {
		l.vv = p.VersionVector
	}
	if p.LastWrite != nil {
		l.lastWrite = p.LastWrite
	}
	if p.Tombstones != nil {
		l.tombstones = p.Tombstones
	}
	return l, nil
}
