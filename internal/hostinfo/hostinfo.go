// Package hostinfo resolves the local host's fully-qualified domain
// name, used in the session broker's banner and in session full IDs.
package hostinfo

import (
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
)

var (
	once   sync.Once
	cached string
)

// FQDN returns the local host's lower-cased fully-qualified domain
// name. The value is resolved once and cached for the life of the
// process, matching the broker's one-shot-per-connection use.
func FQDN() string {
	once.Do(func() {
		info, err := host.Info()
		if err != nil || info.Hostname == "" {
			cached = "localhost"
			return
		}
		cached = strings.ToLower(info.Hostname)
	})
	return cached
}
