package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"podescrow/cmd/internal/passphrase"
	"podescrow/crypto"
	"podescrow/rpc"
)

const keystorePassphraseEnv = "PODESCROW_KEYSTORE_PASSPHRASE"

var (
	tokenNow              = time.Now
	newKeystorePassphrase = func() *passphrase.Source { return passphrase.NewSource(keystorePassphraseEnv) }
)

// runKeygen writes a new encrypted keystore and prints the account address.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out string
	fs.StringVar(&out, "out", "", "keystore file to create")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", out))
	}
	pass, err := newKeystorePassphrase().Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

// runIssueToken mints an HS256 bearer token whose subject is the account
// address. The subject comes from --subject or from a keystore.
func runIssueToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		subject   string
		keystore  string
		secretEnv string
		issuer    string
		audience  string
		ttl       time.Duration
	)
	fs.StringVar(&subject, "subject", "", "account bech32 address")
	fs.StringVar(&keystore, "keystore", "", "derive the subject from this keystore instead")
	fs.StringVar(&secretEnv, "secret-env", "PODESCROW_JWT_SECRET", "environment variable holding the daemon's HMAC secret")
	fs.StringVar(&issuer, "issuer", "podescrow", "token issuer")
	fs.StringVar(&audience, "audience", "", "optional token audience")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if (strings.TrimSpace(subject) == "") == (strings.TrimSpace(keystore) == "") {
		return printError(stderr, "exactly one of --subject or --keystore is required")
	}
	if ttl <= 0 {
		return printError(stderr, "--ttl must be positive")
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		return printError(stderr, fmt.Sprintf("%s is not set", secretEnv))
	}

	var addr [20]byte
	if strings.TrimSpace(keystore) != "" {
		pass, err := newKeystorePassphrase().Get()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(strings.TrimSpace(keystore), pass)
		if err != nil {
			return printError(stderr, fmt.Sprintf("load keystore: %v", err))
		}
		addr = key.PubKey().Address().Array()
	} else {
		parsed, err := crypto.ParseAddress(strings.TrimSpace(subject))
		if err != nil {
			return printError(stderr, fmt.Sprintf("--subject: %v", err))
		}
		addr = parsed
	}

	token, err := rpc.IssueToken(secret, addr, issuer, audience, ttl, tokenNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}
