package store

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roach88/snapdb/internal/dberr"
)

// keyCheckContext is hashed under the key to produce the stored fingerprint.
const keyCheckContext = "snapdb/key-check/v1"

// wireValue is the JSON form of one cell. Doubles travel as their IEEE 754
// bits so NaN, the infinities and -0 survive.
type wireValue struct {
	Type   ColumnType `json:"t"`
	Int    int64      `json:"i,omitempty"`
	Str    string     `json:"s,omitempty"`
	Bool   bool       `json:"b,omitempty"`
	Double uint64     `json:"d,omitempty"`
	Bin    []byte     `json:"x,omitempty"`
}

// marshalValues encodes a row's values as JSON.
func marshalValues(values []Value) ([]byte, error) {
	wire := make([]wireValue, len(values))
	for i, v := range values {
		w := wireValue{Type: v.Type()}
		switch val := v.(type) {
		case Int:
			w.Int = int64(val)
		case String:
			w.Str = string(val)
		case Bool:
			w.Bool = bool(val)
		case Double:
			w.Double = math.Float64bits(float64(val))
		case Binary:
			w.Bin = val
		default:
			return nil, fmt.Errorf("marshal values: unsupported value %T", v)
		}
		wire[i] = w
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// unmarshalValues decodes a row's values.
func unmarshalValues(data []byte) ([]Value, error) {
	var wire []wireValue
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal values: %w", err)
	}
	values := make([]Value, len(wire))
	for i, w := range wire {
		switch w.Type {
		case TypeInt:
			values[i] = Int(w.Int)
		case TypeString:
			values[i] = String(w.Str)
		case TypeBool:
			values[i] = Bool(w.Bool)
		case TypeDouble:
			values[i] = Double(math.Float64frombits(w.Double))
		case TypeBinary:
			values[i] = Binary(w.Bin)
		default:
			return nil, fmt.Errorf("unmarshal values: unknown type %d", int(w.Type))
		}
	}
	return values, nil
}

// payloadCipher seals row payloads with XChaCha20-Poly1305.
type payloadCipher struct {
	aead cipher.AEAD
}

func newPayloadCipher(key []byte) (*payloadCipher, error) {
	aead, err := chacha20poly1305.NewX(key[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("init payload cipher: %w", err)
	}
	return &payloadCipher{aead: aead}, nil
}

// rowAD binds a sealed payload to its table and row so payloads cannot be
// swapped between rows.
func rowAD(tableID, rowKey int64) []byte {
	ad := make([]byte, 16)
	binary.BigEndian.PutUint64(ad[:8], uint64(tableID))
	binary.BigEndian.PutUint64(ad[8:], uint64(rowKey))
	return ad
}

func (c *payloadCipher) seal(plain, ad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, ad), nil
}

func (c *payloadCipher) open(sealed, ad []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed payload too short")
	}
	return c.aead.Open(nil, sealed[:n], sealed[n:], ad)
}

// encodeRow produces the stored payload for a row. A nil cipher stores it
// in the clear.
func (c *payloadCipher) encodeRow(tableID int64, r Row) ([]byte, error) {
	data, err := marshalValues(r.Values)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return data, nil
	}
	return c.seal(data, rowAD(tableID, r.Key))
}

// decodeRow reverses encodeRow.
func (s *Store) decodeRow(tableID, rowKey int64, payload []byte) ([]Value, error) {
	if s.cipher != nil {
		plain, err := s.cipher.open(payload, rowAD(tableID, rowKey))
		if err != nil {
			return nil, dberr.Encryption(s.path, "failed to decrypt row payload")
		}
		payload = plain
	}
	return unmarshalValues(payload)
}

// keyCheck fingerprints key with a BLAKE3 keyed hash over its second half.
func keyCheck(key []byte) (string, error) {
	h, err := blake3.NewKeyed(key[32:KeySize])
	if err != nil {
		return "", fmt.Errorf("init key check: %w", err)
	}
	if _, err := h.Write([]byte(keyCheckContext)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkKey compares the configured key with the fingerprint stored in the
// file, writing the fingerprint on first open.
func (s *Store) checkKey() error {
	stored, err := s.readMeta(s.db, metaKeyCheck)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return dberr.Storage(s.path, "read key check", err)
	}
	hasStored := err == nil
	key := s.cfg.EncryptionKey

	switch {
	case len(key) == 0 && hasStored:
		return dberr.Encryption(s.path, "store is encrypted but no key was supplied")
	case len(key) == 0:
		return nil
	}

	want, err := keyCheck(key)
	if err != nil {
		return dberr.Encryption(s.path, err.Error())
	}
	if hasStored {
		if stored != want {
			return dberr.Encryption(s.path, "wrong key used to decrypt store")
		}
		return nil
	}

	persisted, err := s.persistedVersion()
	if err != nil {
		return dberr.Storage(s.path, "read persisted version", err)
	}
	if persisted > 0 {
		return dberr.Encryption(s.path, "store is not encrypted")
	}
	if err := s.writeMeta(s.db, metaKeyCheck, want); err != nil {
		return dberr.Storage(s.path, "write key check", err)
	}
	return nil
}
