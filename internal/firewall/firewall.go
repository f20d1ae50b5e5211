// Package firewall opens the transfer port in the host firewall where
// the platform needs it. Everything here is best effort: failures are
// logged and dropped, never propagated.
package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("firewall")

const commandTimeout = 10 * time.Second

// RuleName returns the firewall rule name used for a given port.
func RuleName(port int) string {
	return fmt.Sprintf("SetupShare%d", port)
}

// ruleArgs builds the netsh argument list that allows inbound TCP on
// the given port.
func ruleArgs(port int) []string {
	return []string{
		"advfirewall", "firewall", "add", "rule",
		"name=" + RuleName(port),
		"dir=in", "action=allow", "protocol=TCP",
		fmt.Sprintf("localport=%d", port),
	}
}

// AllowInbound adds an inbound allow rule for the TCP port. On
// non-Windows platforms this is a no-op; users manage their own
// firewall there.
func AllowInbound(ctx context.Context, port int) {
	if runtime.GOOS != "windows" {
		log.Debugf("Skipping firewall rule on %s", runtime.GOOS)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "netsh", ruleArgs(port)...).CombinedOutput()
	if err != nil {
		log.Warnf("Failed to add firewall rule %s: %v (%s)", RuleName(port), err, out)
		return
	}
	log.Infof("Firewall rule %s added for TCP port %d", RuleName(port), port)
}
