// Package flowcrypto implements the hybrid encryption used by WhatsApp Flows
// data exchange: an RSA-OAEP wrapped AES key and AES-GCM payloads.
//
// Requests are decrypted with the business private key; responses are sealed
// with the same AES key and the bitwise-inverted IV.
package flowcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// TagSize is the AES-GCM authentication tag length appended to every ciphertext.
	TagSize = 16
	// StandardIVSize is the GCM nonce size the Flow contract specifies.
	StandardIVSize = 12
)

// Envelope is the JSON body WhatsApp posts to the Flow endpoint.
type Envelope struct {
	EncryptedFlowData string `json:"encrypted_flow_data"`
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	InitialVector     string `json:"initial_vector"`
}

// SessionKey is the per-request key material recovered from an Envelope.
// It must only be used to answer the request it came from.
type SessionKey struct {
	AESKey []byte
	IV     []byte
}

// Codec decrypts Flow requests with a pre-parsed private key. It holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	key *rsa.PrivateKey
}

// NewCodec loads the private key once and returns a reusable Codec.
func NewCodec(privateKeyPEM, passphrase string) (*Codec, error) {
	key, err := LoadPrivateKey(privateKeyPEM, passphrase)
	if err != nil {
		return nil, err
	}
	return &Codec{key: key}, nil
}

// NewCodecFromKey wraps an already parsed key.
func NewCodecFromKey(key *rsa.PrivateKey) *Codec {
	return &Codec{key: key}
}

// Decrypt loads privateKeyPEM and decrypts env. Prefer a Codec when the same
// key serves many requests.
func Decrypt(env Envelope, privateKeyPEM, passphrase string) (json.RawMessage, SessionKey, error) {
	c, err := NewCodec(privateKeyPEM, passphrase)
	if err != nil {
		return nil, SessionKey{}, err
	}
	return c.Decrypt(env)
}

// Decrypt unwraps the AES key, verifies and decrypts the flow data and
// returns the plaintext JSON together with the session key for the response.
func (c *Codec) Decrypt(env Envelope) (json.RawMessage, SessionKey, error) {
	wrappedKey, err := decodeField("encrypted_aes_key", env.EncryptedAESKey)
	if err != nil {
		return nil, SessionKey{}, err
	}
	iv, err := decodeField("initial_vector", env.InitialVector)
	if err != nil {
		return nil, SessionKey{}, err
	}
	data, err := decodeField("encrypted_flow_data", env.EncryptedFlowData)
	if err != nil {
		return nil, SessionKey{}, err
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, c.key, wrappedKey, nil)
	if err != nil {
		return nil, SessionKey{}, newError(KindDecryptionFailed, "unwrap AES key", err)
	}
	session := SessionKey{AESKey: aesKey, IV: iv}

	aead, err := newAEAD(session.AESKey, len(iv))
	if err != nil {
		return nil, SessionKey{}, err
	}
	if len(data) < TagSize {
		return nil, SessionKey{}, newError(KindDecryptionFailed, "flow data shorter than authentication tag", nil)
	}
	ciphertext, tag := data[:len(data)-TagSize], data[len(data)-TagSize:]

	sealed := make([]byte, 0, len(data))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, SessionKey{}, newError(KindDecryptionFailed, "authentication tag mismatch", err)
	}

	if !json.Valid(plaintext) {
		return nil, SessionKey{}, newError(KindMalformedPayload, "decrypted flow data is not JSON", nil)
	}
	return json.RawMessage(plaintext), session, nil
}

// Encrypt seals a response payload for the request that produced key and
// returns the base64 body to send as text/plain.
func Encrypt(payload any, key SessionKey) (string, error) {
	plaintext, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(key.AESKey, len(key.IV))
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, FlipIV(key.IV), plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// FlipIV returns a copy of iv with every bit inverted.
func FlipIV(iv []byte) []byte {
	flipped := make([]byte, len(iv))
	for i, b := range iv {
		flipped[i] = ^b
	}
	return flipped
}

// NewSessionKey generates random key material of the given AES key size,
// as a WhatsApp client does for each request.
func NewSessionKey(keySize, ivSize int) (SessionKey, error) {
	if _, err := cipherForKeySize(keySize); err != nil {
		return SessionKey{}, err
	}
	key := SessionKey{AESKey: make([]byte, keySize), IV: make([]byte, ivSize)}
	if _, err := rand.Read(key.AESKey); err != nil {
		return SessionKey{}, fmt.Errorf("generate AES key: %w", err)
	}
	if _, err := rand.Read(key.IV); err != nil {
		return SessionKey{}, fmt.Errorf("generate IV: %w", err)
	}
	return key, nil
}

// SealRequest builds an Envelope the way the WhatsApp client does. It exists
// for local tooling and tests of the endpoint.
func SealRequest(pub *rsa.PublicKey, payload any, key SessionKey) (Envelope, error) {
	plaintext, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	aead, err := newAEAD(key.AESKey, len(key.IV))
	if err != nil {
		return Envelope{}, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key.AESKey, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap AES key: %w", err)
	}
	return Envelope{
		EncryptedFlowData: base64.StdEncoding.EncodeToString(aead.Seal(nil, key.IV, plaintext, nil)),
		EncryptedAESKey:   base64.StdEncoding.EncodeToString(wrapped),
		InitialVector:     base64.StdEncoding.EncodeToString(key.IV),
	}, nil
}

// OpenResponse decrypts a response body produced by Encrypt, as the
// WhatsApp client does.
func OpenResponse(body string, key SessionKey) (json.RawMessage, error) {
	sealed, err := decodeField("response", body)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key.AESKey, len(key.IV))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, FlipIV(key.IV), sealed, nil)
	if err != nil {
		return nil, newError(KindDecryptionFailed, "authentication tag mismatch", err)
	}
	return json.RawMessage(plaintext), nil
}

func newAEAD(aesKey []byte, ivSize int) (cipher.AEAD, error) {
	name, err := cipherForKeySize(len(aesKey))
	if err != nil {
		return nil, err
	}
	if ivSize == 0 {
		return nil, newError(KindMalformedEnvelope, "initial vector is empty", nil)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, newError(KindUnsupportedKeyLength, name, err)
	}
	if ivSize == StandardIVSize {
		return cipher.NewGCM(block)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, newError(KindMalformedEnvelope, "unusable initial vector size "+strconv.Itoa(ivSize), err)
	}
	return aead, nil
}

func cipherForKeySize(n int) (string, error) {
	switch n {
	case 16:
		return "aes-128-gcm", nil
	case 24:
		return "aes-192-gcm", nil
	case 32:
		return "aes-256-gcm", nil
	default:
		return "", newError(KindUnsupportedKeyLength, "AES key is "+strconv.Itoa(n)+" bytes, want 16, 24 or 32", nil)
	}
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, newError(KindMalformedEnvelope, name+" is missing", nil)
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, newError(KindMalformedEnvelope, name+" is not valid base64", err)
	}
	return b, nil
}

func marshalPayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, newError(KindMalformedPayload, "payload is not valid JSON", nil)
		}
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(KindMalformedPayload, "marshal payload", err)
	}
	return b, nil
}
