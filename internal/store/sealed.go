package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidPassphraseOrCorrupt is returned when a sealed value cannot be opened.
// It stays generic so it does not tell a wrong passphrase apart from a damaged file.
var ErrInvalidPassphraseOrCorrupt = errors.New("store: invalid passphrase or corrupted file")

// KDFParams is the on-disk envelope of a sealed value.
type KDFParams struct {
	Version int `json:"version"`

	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

var DefaultKDF = KDFParams{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024, // KiB
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

type sealer struct {
	passphrase []byte
	kdf        KDFParams
}

func newSealer(passphrase []byte, kdf KDFParams) *sealer {
	p := make([]byte, len(passphrase))
	copy(p, passphrase)
	return &sealer{passphrase: p, kdf: kdf}
}

func aadFor(key string) []byte {
	return []byte("quantum-interceptor:store:" + key)
}

func (s *sealer) seal(key string, plain []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "rand salt")
	}
	aead, err := chacha20poly1305.NewX(s.derive(salt, s.kdf))
	if err != nil {
		return nil, errors.Wrap(err, "aead")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "rand nonce")
	}

	out := s.kdf
	out.SaltB64 = base64.StdEncoding.EncodeToString(salt)
	out.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	out.CTB64 = base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, aadFor(key)))

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal sealed envelope")
	}
	return b, nil
}

func (s *sealer) open(key string, raw []byte) ([]byte, error) {
	var env KDFParams
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	if env.Version != 1 {
		return nil, errors.Newf("store: unsupported sealed version %d", env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	aead, err := chacha20poly1305.NewX(s.derive(salt, env))
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	plain, err := aead.Open(nil, nonce, ct, aadFor(key))
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	return plain, nil
}

func (s *sealer) derive(salt []byte, p KDFParams) []byte {
	return argon2.IDKey(s.passphrase, salt, p.ArgonTime, p.ArgonMemory, p.ArgonThreads, p.ArgonKeyLen)
}
