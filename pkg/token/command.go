package token

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandRefresher obtains a credential by running an external command.
// The command prints either "token" or "token <unix-expiry>" on stdout.
// When no expiry is printed, ttl is applied from the time of refresh.
func CommandRefresher(command []string, ttl time.Duration) RefreshFunc {
	return func(ctx context.Context) (Credential, error) {
		if len(command) == 0 {
			return Credential{}, fmt.Errorf("no token refresh command configured")
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		out, err := cmd.Output()
		if err != nil {
			return Credential{}, fmt.Errorf("token command failed: %w", err)
		}

		fields := strings.Fields(strings.TrimSpace(string(out)))
		if len(fields) == 0 {
			return Credential{}, fmt.Errorf("token command produced no output")
		}

		cred := Credential{
			Token:     fields[0],
			ExpiresAt: time.Now().Add(ttl),
		}
		if len(fields) > 1 {
			epoch, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return Credential{}, fmt.Errorf("token command expiry %q: %w", fields[1], err)
			}
			cred.ExpiresAt = time.Unix(epoch, 0)
		}
		return cred, nil
	}
}
