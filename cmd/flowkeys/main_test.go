package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/WaGate/internal/flowcrypto"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags(nil, "pw")
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if opts.outDir != "." || opts.bits != 2048 || opts.force || opts.passphrase != "pw" {
		t.Errorf("defaults = %+v", opts)
	}
	if _, err := parseFlags([]string{"-bits", "1024"}, ""); err == nil {
		t.Error("expected error for short key")
	}
}

func TestGenerate_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	opts := options{outDir: dir, bits: 2048, passphrase: "s3cret"}

	if err := generate(opts, &out); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	if !strings.Contains(string(privPEM), "ENCRYPTED PRIVATE KEY") {
		t.Errorf("private key should be encrypted PKCS#8")
	}
	info, _ := os.Stat(filepath.Join(dir, privateKeyFile))
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	key, err := flowcrypto.LoadPrivateKey(string(privPEM), "s3cret")
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if _, err := flowcrypto.LoadPrivateKey(string(privPEM), "wrong"); !errors.Is(err, flowcrypto.ErrKeyLoad) {
		t.Errorf("wrong passphrase: want ErrKeyLoad, got %v", err)
	}

	// The public key printed and saved must match the private key.
	block, _ := pem.Decode(out.Bytes())
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatalf("stdout is not a public key PEM: %q", out.String())
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub.(*rsa.PublicKey), []byte("probe"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil || string(plain) != "probe" {
		t.Errorf("key pair mismatch: %q %v", plain, err)
	}
	saved, _ := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if !bytes.Equal(saved, out.Bytes()) {
		t.Error("saved public key differs from printed one")
	}
}

func TestGenerate_Unencrypted(t *testing.T) {
	dir := t.TempDir()
	if err := generate(options{outDir: dir, bits: 2048}, &bytes.Buffer{}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	privPEM, _ := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if _, err := flowcrypto.NewCodec(string(privPEM), ""); err != nil {
		t.Errorf("NewCodec failed on generated key: %v", err)
	}
}

func TestGenerate_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	opts := options{outDir: dir, bits: 2048}
	if err := generate(opts, &bytes.Buffer{}); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, privateKeyFile))

	if err := generate(opts, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}

	opts.force = true
	if err := generate(opts, &bytes.Buffer{}); err != nil {
		t.Fatalf("forced generate failed: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if bytes.Equal(first, second) {
		t.Error("forced generate should write a new key")
	}
}
