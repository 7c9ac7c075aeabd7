// Package sshhost talks to deployment targets over SSH: it checks root
// credentials and keeps the local known_hosts file in step with target keys.
package sshhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrUnauthorized means the target rejected the root credentials.
	ErrUnauthorized = errors.New("ssh authentication rejected")
	ErrNoHostKey    = errors.New("no rsa host key offered")
)

var rsaHostKeyAlgorithms = []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}

type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer net.Dialer

	// serializes known_hosts rewrites
	mu sync.Mutex
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

func (c *Client) address(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
}

// VerifyRoot opens an SSH session as root with password and closes it again.
// A rejected password yields ErrUnauthorized.
func (c *Client) VerifyRoot(ctx context.Context, host, password string) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host is required")
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return err
	}
	conf := &ssh.ClientConfig{
		User: "root",
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeys,
		Timeout:         c.cfg.Timeout,
	}
	conn, err := c.handshake(ctx, host, conf)
	if err != nil {
		if isAuthFailure(err) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, host)
		}
		return fmt.Errorf("ssh %s: %w", host, err)
	}
	return conn.Close()
}

// ScanRSAKey returns the RSA host key the target presents. No authentication
// is attempted.
func (c *Client) ScanRSAKey(ctx context.Context, host string) (ssh.PublicKey, error) {
	var scanned ssh.PublicKey
	conf := &ssh.ClientConfig{
		User: "root",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			scanned = key
			return errScanDone
		},
		HostKeyAlgorithms: rsaHostKeyAlgorithms,
		Timeout:           c.cfg.Timeout,
	}
	conn, err := c.handshake(ctx, host, conf)
	if conn != nil {
		conn.Close()
	}
	if scanned != nil {
		return scanned, nil
	}
	if err == nil {
		err = ErrNoHostKey
	}
	return nil, fmt.Errorf("scan %s: %w", host, err)
}

// RefreshHostKey replaces every known_hosts entry for host with the key it
// presents now.
func (c *Client) RefreshHostKey(ctx context.Context, host string) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host is required")
	}
	key, err := c.ScanRSAKey(ctx, host)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed, err := ReplaceHostKey(c.cfg.KnownHostsFile, c.address(host), key)
	if err != nil {
		return err
	}
	c.logger.Info("known_hosts updated",
		"host", host,
		"removed_entries", removed,
		"fingerprint", ssh.FingerprintSHA256(key),
	)
	return nil
}

func (c *Client) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.cfg.StrictHostKeys {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

var errScanDone = errors.New("host key captured")

func (c *Client) handshake(ctx context.Context, host string, conf *ssh.ClientConfig) (ssh.Conn, error) {
	addr := c.address(host)
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	netConn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, conf)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		for ch := range chans {
			ch.Reject(ssh.Prohibited, "no channels accepted")
		}
	}()
	return conn, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
