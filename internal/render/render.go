// Package render produces the files ansible-runner consumes for one deployment:
// the nginx site, the inventory and ansible.cfg.
package render

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/animus-labs/wardeploy/internal/workspace"
)

const (
	ProxyConfigFile  = "nginx.conf"
	InventoryFile    = "hosts.ini"
	RunnerConfigFile = "ansible.cfg"
	LogFile          = "ansible.log"

	warExt = ".war"
)

var baseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Files holds the absolute paths written into a workspace.
type Files struct {
	ProxyConfig  string
	Inventory    string
	RunnerConfig string
	Log          string
}

// WarBaseName returns the archive name of a WAR link without its extension,
// e.g. "devtron" for https://github.com/raunit-verma/war/raw/main/devtron.war.
// It returns "" when the link does not end in a usable .war filename.
func WarBaseName(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	file := path.Base(u.Path)
	if len(file) <= len(warExt) || !strings.EqualFold(file[len(file)-len(warExt):], warExt) {
		return ""
	}
	base := file[:len(file)-len(warExt)]
	if !baseNamePattern.MatchString(base) {
		return ""
	}
	return base
}

// ProxyConfig renders the nginx server block that fronts Tomcat's context path
// for base. It returns "" when base is empty.
func ProxyConfig(host, base string) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf(`server {
    listen 80 default_server;
    server_name %s;

    location / {
        proxy_pass http://localhost:8080/%s/;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`, host, base)
}

func Inventory(host string) string {
	return host + "\n"
}

// RunnerConfig points ansible's log at ansible.log inside the workspace.
func RunnerConfig(workspacePath string) string {
	return fmt.Sprintf("[defaults]\nlog_path=%s\n", path.Join(workspacePath, LogFile))
}

// Write renders every input into the workspace and creates an empty log so the
// archiver always finds a file, even when the runner never starts.
func Write(exec workspace.Execution, host, warBase string) (Files, error) {
	proxy := ProxyConfig(host, warBase)
	if proxy == "" {
		return Files{}, fmt.Errorf("render proxy config: empty war base name")
	}
	files := Files{
		ProxyConfig:  exec.File(ProxyConfigFile),
		Inventory:    exec.File(InventoryFile),
		RunnerConfig: exec.File(RunnerConfigFile),
		Log:          exec.File(LogFile),
	}
	writes := []struct {
		path string
		body string
	}{
		{files.ProxyConfig, proxy},
		{files.Inventory, Inventory(host)},
		{files.RunnerConfig, RunnerConfig(exec.Path)},
		{files.Log, ""},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, []byte(w.body), 0o600); err != nil {
			return Files{}, fmt.Errorf("write %s: %w", path.Base(w.path), err)
		}
	}
	return files, nil
}
