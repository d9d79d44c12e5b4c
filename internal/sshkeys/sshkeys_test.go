package sshkeys

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	pubKey, privKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pubKey)
	if err != nil {
		t.Fatalf("public key is not valid authorized_keys format: %v", err)
	}
	if parsed.Type() != "ssh-ed25519" {
		t.Errorf("expected key type ssh-ed25519, got %s", parsed.Type())
	}
	if !bytes.Contains(privKey, []byte("OPENSSH PRIVATE KEY")) {
		t.Errorf("private key is not in OpenSSH format")
	}
	signer, err := ssh.ParsePrivateKey(privKey)
	if err != nil {
		t.Fatalf("private key cannot be parsed: %v", err)
	}
	if !bytes.Equal(ssh.MarshalAuthorizedKey(signer.PublicKey()), pubKey) {
		t.Error("private and public key do not belong together")
	}
}

func TestEnsureIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "sagemaker-ssh-gw")

	pub1, created, err := EnsureIdentity(path)
	if err != nil || !created {
		t.Fatalf("first EnsureIdentity = %v, %v", created, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 0600", info.Mode().Perm())
	}

	os.Remove(path + ".pub")
	pub2, created, err := EnsureIdentity(path)
	if err != nil || created {
		t.Fatalf("second EnsureIdentity = %v, %v", created, err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Error("existing identity was replaced")
	}
	onDisk, err := os.ReadFile(path + ".pub")
	if err != nil || !bytes.Equal(onDisk, pub1) {
		t.Errorf("public key not restored: %v", err)
	}
}

func TestEnsureIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	os.WriteFile(path, []byte("garbage"), 0600)
	if _, _, err := EnsureIdentity(path); err == nil {
		t.Fatal("expected error for unparsable identity")
	}
}

func TestFingerprint(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	fp, err := Fingerprint(pub)
	if err != nil || !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("Fingerprint = %q, %v", fp, err)
	}
	if _, err := Fingerprint(nil); err == nil {
		t.Error("expected error for empty key")
	}
}

// startSSHServer accepts connections and performs the server side of the
// handshake until the listener closes.
func startSSHServer(t *testing.T) (addr string, hostKey ssh.PublicKey) {
	t.Helper()
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.ParsePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				ssh.NewServerConn(conn, cfg)
			}()
		}
	}()
	return ln.Addr().String(), signer.PublicKey()
}

func TestPrescanHostKey(t *testing.T) {
	addr, hostKey := startSSHServer(t)
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	ctx := context.Background()

	added, err := PrescanHostKey(ctx, addr, knownHosts, 5*time.Second)
	if err != nil || !added {
		t.Fatalf("PrescanHostKey = %v, %v", added, err)
	}
	data, _ := os.ReadFile(knownHosts)
	if !strings.Contains(string(data), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(hostKey)))) {
		t.Errorf("known_hosts does not contain host key:\n%s", data)
	}

	added, err = PrescanHostKey(ctx, addr, knownHosts, 5*time.Second)
	if err != nil || added {
		t.Errorf("second PrescanHostKey = %v, %v; want no new line", added, err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Errorf("expected 1 line, got %d", lines)
	}
}

func TestScanHostKey_NoServer(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	if _, err := ScanHostKey(context.Background(), addr, time.Second); err == nil {
		t.Fatal("expected dial error")
	}
}
