package mirror

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/flynn/go-shlex"
)

const hookTimeout = 2 * time.Minute

// runPostSyncHook executes command (shell-style quoting, no shell) with the
// pass summary in FILEMIRROR_* environment variables. An empty command is a
// no-op.
func runPostSyncHook(ctx context.Context, command string, res SyncResult) error {
	if command == "" {
		return nil
	}
	args, err := shlex.Split(command)
	if err != nil {
		return fmt.Errorf("parse hook %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"FILEMIRROR_SYNCED="+strconv.Itoa(len(res.Successful)),
		"FILEMIRROR_FAILED="+strconv.Itoa(len(res.Failed)),
		"FILEMIRROR_TOTAL="+strconv.Itoa(res.Total),
	)
	out, err := cmd.CombinedOutput()
	l := sub("hook")
	if err != nil {
		l.Error("post-sync hook failed", "cmd", args[0], "err", err, "output", string(out))
		return fmt.Errorf("run hook: %w", err)
	}
	l.Info("post-sync hook done", "cmd", args[0], "outputBytes", len(out))
	return nil
}
