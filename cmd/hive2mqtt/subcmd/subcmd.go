// Support sub-commands in hive2mqtt application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/minerfleet/hive2mqtt/internal/state"
	"github.com/minerfleet/hive2mqtt/log2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config, *log2.Log) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s' expected one of: %s", command, Names(modules))
	}
	return found, nil
}

func Names(modules []Mod) string {
	ss := make([]string, len(modules))
	for i, m := range modules {
		ss[i] = m.Name
	}
	return strings.Join(ss, ", ")
}

// SdNotify returns true when running under systemd with notify socket.
// Notify errors are logged, never fatal.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify state=%s: %v", s, err)
	}
	return ok
}

// WatchdogInterval is half of systemd WatchdogSec, 0 when watchdog is off.
func WatchdogInterval(log *log2.Log) time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Errorf("sd watchdog: %v", err)
		return 0
	}
	return d / 2
}
