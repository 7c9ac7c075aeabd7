package sshhost

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ReplaceHostKey drops the known_hosts entries naming address (host:port) and
// appends one for key. Plain and hashed entries are both matched. It returns
// how many lines were removed. The file and its directory are created if
// missing.
func ReplaceHostKey(path, address string, key ssh.PublicKey) (int, error) {
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read known hosts: %w", err)
	}
	pattern := knownhosts.Normalize(address)
	kept, removed := RemoveHost(current, pattern)

	var buf bytes.Buffer
	buf.Write(kept)
	if buf.Len() > 0 && !bytes.HasSuffix(kept, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(knownhosts.Line([]string{address}, key))
	buf.WriteByte('\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("create known hosts dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".known_hosts-*")
	if err != nil {
		return 0, fmt.Errorf("create known hosts temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write known hosts: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("chmod known hosts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close known hosts: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replace known hosts: %w", err)
	}
	return removed, nil
}

// RemoveHost returns content without the lines whose host list contains
// pattern (a knownhosts.Normalize result). Comments and blank lines are kept.
func RemoveHost(content []byte, pattern string) ([]byte, int) {
	var (
		out     bytes.Buffer
		removed int
	)
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if lineNamesHost(line, pattern) {
			removed++
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes(), removed
}

func lineNamesHost(line, pattern string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return false
	}
	hosts := fields[0]
	if strings.HasPrefix(hosts, "@") {
		if len(fields) < 2 {
			return false
		}
		hosts = fields[1]
	}
	for _, h := range strings.Split(hosts, ",") {
		if h == pattern || hashedMatch(h, pattern) {
			return true
		}
	}
	return false
}

// hashedMatch checks an OpenSSH "|1|salt|hash" entry.
func hashedMatch(entry, pattern string) bool {
	if !strings.HasPrefix(entry, "|1|") {
		return false
	}
	parts := strings.Split(entry[len("|1|"):], "|")
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(pattern))
	return hmac.Equal(mac.Sum(nil), want)
}
