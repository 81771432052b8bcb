// Command flowkeys generates the RSA key pair used by the WhatsApp Flows
// data exchange endpoint. Upload the public key to the business phone
// number and give WaGate the private key via FLOW_PRIVATE_KEY_FILE.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/WaGate/internal/flowcrypto"
)

const (
	privateKeyFile = "flow_private.pem"
	publicKeyFile  = "flow_public.pem"
	minKeyBits     = 2048
)

type options struct {
	outDir     string
	bits       int
	force      bool
	passphrase string
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	opts, err := parseFlags(os.Args[1:], os.Getenv("FLOW_PRIVATE_KEY_PASSPHRASE"))
	if err != nil {
		os.Exit(2)
	}
	if err := generate(opts, os.Stdout); err != nil {
		slog.Error("flowkeys failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, passphrase string) (options, error) {
	fs := flag.NewFlagSet("flowkeys", flag.ContinueOnError)
	opts := options{passphrase: passphrase}
	fs.StringVar(&opts.outDir, "out", ".", "directory to write the key files to")
	fs.IntVar(&opts.bits, "bits", minKeyBits, "RSA key size in bits")
	fs.BoolVar(&opts.force, "force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.bits < minKeyBits {
		return opts, fmt.Errorf("key size %d is below the %d-bit minimum", opts.bits, minKeyBits)
	}
	return opts, nil
}

// generate writes a fresh key pair into opts.outDir and prints the public key.
func generate(opts options, stdout io.Writer) error {
	privPath := filepath.Join(opts.outDir, privateKeyFile)
	pubPath := filepath.Join(opts.outDir, publicKeyFile)
	if !opts.force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, use -force to overwrite", p)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.bits)
	if err != nil {
		return fmt.Errorf("generate RSA key: %w", err)
	}
	privPEM, err := flowcrypto.MarshalPrivateKey(key, opts.passphrase)
	if err != nil {
		return err
	}
	pubPEM, err := flowcrypto.MarshalPublicKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	slog.Info("Flow key pair written", "private_key", privPath, "public_key", pubPath,
		"bits", opts.bits, "encrypted", opts.passphrase != "")
	_, err = stdout.Write(pubPEM)
	return err
}
