package flowcrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/youmark/pkcs8"
)

// PEM block types accepted by LoadPrivateKey.
const (
	pemTypePKCS8          = "PRIVATE KEY"
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemTypePKCS1          = "RSA PRIVATE KEY"
)

// NormalizePEM turns a PEM that was stored with escaped newlines (as most
// env files and secret managers do) back into a multi-line PEM.
func NormalizePEM(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	return s
}

// LoadPrivateKey parses the business RSA private key used for Flow data exchange.
// PKCS#8 keys may be passphrase-encrypted; PKCS#1 keys are accepted unencrypted.
func LoadPrivateKey(privateKeyPEM, passphrase string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(privateKeyPEM) == "" {
		return nil, newError(KindKeyLoad, "private key is empty", nil)
	}

	block, _ := pem.Decode([]byte(NormalizePEM(privateKeyPEM)))
	if block == nil {
		return nil, newError(KindKeyLoad, "no PEM block found", nil)
	}

	switch block.Type {
	case pemTypeEncryptedPKCS8:
		if passphrase == "" {
			return nil, newError(KindKeyLoad, "key is encrypted but no passphrase was provided", nil)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, newError(KindKeyLoad, "decrypt PKCS#8 key", err)
		}
		return key, nil
	case pemTypePKCS8:
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
		if err != nil {
			return nil, newError(KindKeyLoad, "parse PKCS#8 key", err)
		}
		return key, nil
	case pemTypePKCS1:
		if _, encrypted := block.Headers["Proc-Type"]; encrypted {
			return nil, newError(KindKeyLoad, "legacy encrypted PEM is not supported, convert to encrypted PKCS#8", nil)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, newError(KindKeyLoad, "parse PKCS#1 key", err)
		}
		return key, nil
	default:
		return nil, newError(KindKeyLoad, "unexpected PEM block type "+block.Type, nil)
	}
}

// MarshalPrivateKey encodes key as PKCS#8 PEM, encrypted when passphrase is non-empty.
func MarshalPrivateKey(key *rsa.PrivateKey, passphrase string) ([]byte, error) {
	var password []byte
	blockType := pemTypePKCS8
	if passphrase != "" {
		password = []byte(passphrase)
		blockType = pemTypeEncryptedPKCS8
	}
	der, err := pkcs8.MarshalPrivateKey(key, password, nil)
	if err != nil {
		return nil, newError(KindKeyLoad, "marshal PKCS#8 key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

// MarshalPublicKey encodes the public half of key as a PKIX PEM, the form
// uploaded to the WhatsApp Business phone number.
func MarshalPublicKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, newError(KindKeyLoad, "marshal public key", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
