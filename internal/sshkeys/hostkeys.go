package sshkeys

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errKeyCaptured = errors.New("host key captured")

// ScanHostKey connects to the SSH server at addr and returns its host key
// without authenticating.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (ssh.PublicKey, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	var (
		mu  sync.Mutex
		key ssh.PublicKey
	)
	cfg := &ssh.ClientConfig{
		User: "keyscan",
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			mu.Lock()
			key = k
			mu.Unlock()
			return errKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)

	mu.Lock()
	defer mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("scan host key of %s: %w", addr, err)
	}
	return key, nil
}

// PrescanHostKey records the host key of addr in knownHostsPath unless the
// file already holds a key for that address. It returns whether a line was
// added.
func PrescanHostKey(ctx context.Context, addr, knownHostsPath string, timeout time.Duration) (bool, error) {
	key, err := ScanHostKey(ctx, addr, timeout)
	if err != nil {
		return false, err
	}

	known, err := hasHostKey(knownHostsPath, addr, key)
	if err != nil {
		return false, err
	}
	if known {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
		return false, fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(knownHostsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return false, fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return false, fmt.Errorf("write known_hosts: %w", err)
	}
	log.Printf("[sshkeys] added %s host key %s to %s", addr, ssh.FingerprintSHA256(key), knownHostsPath)
	return true, nil
}

// hasHostKey reports whether knownHostsPath already lists a key for addr.
// A different key for the same address also counts: replacing keys is left
// to the user.
func hasHostKey(knownHostsPath, addr string, key ssh.PublicKey) (bool, error) {
	if _, err := os.Stat(knownHostsPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return false, fmt.Errorf("load known_hosts: %w", err)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", addr, err)
	}
	err = cb(addr, tcpAddr, key)
	if err == nil {
		return true, nil
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) > 0 {
			log.Printf("[sshkeys] WARNING: %s presents a different host key than %s records", addr, knownHostsPath)
			return true, nil
		}
		return false, nil
	}
	return false, err
}
