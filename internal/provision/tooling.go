package provision

import (
	"fmt"
	"strings"
)

// Tool is a host prerequisite with a read-only probe and an install snippet.
type Tool struct {
	Name    string
	Probe   []string
	Install string
}

var (
	Docker = Tool{
		Name:  "docker",
		Probe: []string{"docker", "info", "--format", "{{.ServerVersion}}"},
		Install: `if ! command -v docker >/dev/null 2>&1; then
  curl -fsSL https://get.docker.com | sh
fi
systemctl enable --now docker`,
	}
	Compose = Tool{
		Name:    "docker compose",
		Probe:   []string{"docker", "compose", "version", "--short"},
		Install: `apt_install docker-compose-plugin`,
	}
	Nginx = Tool{
		Name:  "nginx",
		Probe: []string{"nginx", "-v"},
		Install: `apt_install nginx
systemctl enable --now nginx`,
	}

	// DefaultTools are checked in order; compose depends on docker.
	DefaultTools = []Tool{Docker, Compose, Nginx}
)

// InstallScript returns a POSIX shell script that installs the given tools on
// a Debian-family host. It runs as root.
func InstallScript(missing []Tool) string {
	var b strings.Builder
	b.WriteString(`set -eu
export DEBIAN_FRONTEND=noninteractive
PATH="/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:$PATH"

if [ "$(uname -s)" != "Linux" ]; then
  echo "remote host must be Linux" >&2
  exit 1
fi
if ! command -v apt-get >/dev/null 2>&1; then
  echo "automatic install needs apt-get; install the tools manually" >&2
  exit 1
fi

apt_updated=0
apt_install() {
  if [ "$apt_updated" -eq 0 ]; then
    apt-get update -q
    apt_updated=1
  fi
  apt-get install -y -q "$@"
}

if ! command -v curl >/dev/null 2>&1; then
  apt_install curl ca-certificates
fi
`)
	for _, t := range missing {
		fmt.Fprintf(&b, "\n# %s\n%s\n", t.Name, strings.TrimSpace(t.Install))
	}
	return b.String()
}

func toolNames(tools []Tool) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}
