package sshhost

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type testServer struct {
	addr    *net.TCPAddr
	hostKey ssh.Signer
}

func startServer(t *testing.T, rootPassword string) *testServer {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	signer, err := ssh.NewSignerFromKey(rsaKey)
	if err != nil {
		t.Fatalf("NewSignerFromKey() err=%v", err)
	}
	conf := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == "root" && string(pass) == rootPassword {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	conf.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc, chans, reqs, err := ssh.NewServerConn(c, conf)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					ch.Reject(ssh.Prohibited, "test server")
				}
			}(c)
		}
	}()
	return &testServer{addr: ln.Addr().(*net.TCPAddr), hostKey: signer}
}

func newTestClient(t *testing.T, srv *testServer, strict bool) (*Client, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	c, err := New(Config{
		KnownHostsFile: path,
		StrictHostKeys: strict,
		Port:           srv.addr.Port,
		Timeout:        5 * time.Second,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return c, path
}

func TestVerifyRoot(t *testing.T) {
	srv := startServer(t, "s3cret")
	c, _ := newTestClient(t, srv, false)

	if err := c.VerifyRoot(context.Background(), "127.0.0.1", "s3cret"); err != nil {
		t.Fatalf("VerifyRoot() err=%v", err)
	}
	err := c.VerifyRoot(context.Background(), "127.0.0.1", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("VerifyRoot() err=%v, want ErrUnauthorized", err)
	}
}

func TestVerifyRootUnreachableIsNotUnauthorized(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := New(Config{KnownHostsFile: filepath.Join(t.TempDir(), "kh"), Port: port, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	err = c.VerifyRoot(context.Background(), "127.0.0.1", "x")
	if err == nil || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("VerifyRoot() err=%v, want connection error", err)
	}
}

func TestRefreshHostKeyThenStrictVerify(t *testing.T) {
	srv := startServer(t, "s3cret")
	c, path := newTestClient(t, srv, true)

	if err := c.VerifyRoot(context.Background(), "127.0.0.1", "s3cret"); err == nil {
		t.Fatalf("strict VerifyRoot() succeeded without a known_hosts file")
	}

	if err := c.RefreshHostKey(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("RefreshHostKey() err=%v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	want := knownhosts.Line([]string{srv.addr.String()}, srv.hostKey.PublicKey()) + "\n"
	if string(content) != want {
		t.Fatalf("known_hosts=%q, want %q", content, want)
	}

	if err := c.VerifyRoot(context.Background(), "127.0.0.1", "s3cret"); err != nil {
		t.Fatalf("strict VerifyRoot() after refresh err=%v", err)
	}

	// A second refresh replaces rather than appends.
	if err := c.RefreshHostKey(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("RefreshHostKey() err=%v", err)
	}
	again, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !bytes.Equal(content, again) {
		t.Fatalf("second refresh changed file:\n%s\nvs\n%s", content, again)
	}
}

func TestScanRSAKey(t *testing.T) {
	srv := startServer(t, "s3cret")
	c, _ := newTestClient(t, srv, false)

	key, err := c.ScanRSAKey(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("ScanRSAKey() err=%v", err)
	}
	if !bytes.Equal(key.Marshal(), srv.hostKey.PublicKey().Marshal()) {
		t.Fatalf("scanned key differs from server key")
	}
	if key.Type() != ssh.KeyAlgoRSA {
		t.Fatalf("key type=%s, want ssh-rsa", key.Type())
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{KnownHostsFile: "/tmp/kh", Port: 22, Timeout: time.Second}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	for name, mutate := range map[string]func(*Config){
		"no file":      func(c *Config) { c.KnownHostsFile = "" },
		"zero port":    func(c *Config) { c.Port = 0 },
		"huge port":    func(c *Config) { c.Port = 70000 },
		"zero timeout": func(c *Config) { c.Timeout = 0 },
	} {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() expected error", name)
		}
	}
}
