package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Signer parses a PEM or OpenSSH private key, decrypting it with passphrase
// when the key is protected.
func Signer(key, passphrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("ssh private key is empty")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("ssh private key is passphrase protected but no passphrase was given")
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(key, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt ssh private key: %w", err)
	}
	return signer, nil
}

// HostKeyCallback verifies the host key against a known_hosts file, a pinned
// fingerprint, or both. With neither configured every key is accepted and the
// fingerprint is logged so operators can pin it.
func HostKeyCallback(knownHostsFile, fingerprint string) (ssh.HostKeyCallback, error) {
	var checks []ssh.HostKeyCallback
	if path := strings.TrimSpace(knownHostsFile); path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", path, err)
		}
		checks = append(checks, cb)
	}
	if fp := strings.TrimSpace(fingerprint); fp != "" {
		checks = append(checks, pinnedKey(fp))
	}

	if len(checks) == 0 {
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			slog.Warn("Host key not verified; set host.fingerprint or host.known_hosts.",
				"component", "remote", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}
	return func(hostname string, addr net.Addr, key ssh.PublicKey) error {
		for _, check := range checks {
			if err := check(hostname, addr, key); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func pinnedKey(fingerprint string) ssh.HostKeyCallback {
	if !strings.HasPrefix(fingerprint, "SHA256:") {
		fingerprint = "SHA256:" + fingerprint
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if got := ssh.FingerprintSHA256(key); got != fingerprint {
			return fmt.Errorf("host key for %s has fingerprint %s, want %s", hostname, got, fingerprint)
		}
		return nil
	}
}
