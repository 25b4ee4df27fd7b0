package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
)

const X11SocketDir = "/tmp/.X11-unix"

var displayRegex = regexp.MustCompile(`^(?P<host>[a-zA-Z0-9._/-]*):(?P<display>\d+)(\.(?P<screen>\d+))?$`)

// ResolveDisplay picks the X display the settings tool talks to: the
// configured one, else $DISPLAY. An empty result means no X server is
// reachable and the settings tool runs without -c.
func ResolveDisplay(configured string) (string, error) {
	return resolveDisplay(configured, os.Getenv("DISPLAY"), X11SocketDir)
}

func resolveDisplay(configured, env, socketDir string) (string, error) {
	display := configured
	if display == "" {
		display = env
	}
	if display == "" {
		log.Debug("No X display configured and DISPLAY not set")
		return "", nil
	}

	match := displayRegex.FindStringSubmatch(display)
	if match == nil {
		return "", fmt.Errorf("invalid X display format: %s", display)
	}

	host := match[1]
	if host == "" || host == "unix" {
		socketPath := filepath.Join(socketDir, "X"+match[2])
		if _, err := os.Stat(socketPath); err != nil {
			return "", fmt.Errorf("no X server on display %s: cannot stat %s", display, socketPath)
		}
	}

	log.Debugf("Using X display %s", display)
	return display, nil
}
