package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// validatePath rejects paths containing ".." segments.
func validatePath(path string) error {
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("invalid path: contains directory traversal: %q", path)
		}
	}
	return nil
}

// runPipeline connects cmd1's stdout to cmd2's stdin and waits for both.
func runPipeline(cmd1, cmd2 *exec.Cmd) error {
	r, w := io.Pipe()
	cmd1.Stdout = w
	cmd2.Stdin = r

	var stderr1, stderr2 bytes.Buffer
	cmd1.Stderr = &stderr1
	cmd2.Stderr = &stderr2

	if err := cmd1.Start(); err != nil {
		return fmt.Errorf("starting first command: %w", err)
	}
	if err := cmd2.Start(); err != nil {
		_ = cmd1.Process.Kill()
		_ = cmd1.Wait()
		return fmt.Errorf("starting second command: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- cmd1.Wait()
		w.Close()
	}()

	err2 := cmd2.Wait()
	// unblock cmd1 if cmd2 exited without draining the pipe
	r.Close()
	err1 := <-errCh

	var errs []string
	if err1 != nil {
		errs = append(errs, fmt.Sprintf("command 1 failed: %v: %s", err1, strings.TrimSpace(stderr1.String())))
	}
	if err2 != nil {
		errs = append(errs, fmt.Sprintf("command 2 failed: %v: %s", err2, strings.TrimSpace(stderr2.String())))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// detectRuntimeUser picks the UID and GID for exec and file ownership:
// explicit config, then the image's User, then `id` inside the container,
// then 1000.
func detectRuntimeUser(ctx context.Context, id string, cfg ProviderConfig, log zerolog.Logger) (uid, gid string) {
	if cfg.RuntimeUser != "" {
		gid = cfg.RuntimeGroup
		if gid == "" {
			gid = cfg.RuntimeUser
		}
		return cfg.RuntimeUser, gid
	}

	if output, err := exec.CommandContext(ctx, binary, "inspect", id).Output(); err == nil {
		if uid, gid, ok := parseInspectUser(output); ok {
			if !isNumeric(uid) {
				if out, err := exec.CommandContext(ctx, binary, "exec", id, "id", "-u", uid).Output(); err == nil {
					uid = strings.TrimSpace(string(out))
				}
			}
			if !isNumeric(gid) {
				gid = uid
			}
			return uid, gid
		}
	}

	if out, err := exec.CommandContext(ctx, binary, "exec", id, "id", "-u").Output(); err == nil {
		uid = strings.TrimSpace(string(out))
		gid = uid
		if out, err := exec.CommandContext(ctx, binary, "exec", id, "id", "-g").Output(); err == nil {
			gid = strings.TrimSpace(string(out))
		}
		return uid, gid
	}

	log.Warn().Str("container", id).Msg("could not detect runtime UID, defaulting to 1000")
	return "1000", "1000"
}

// parseInspectUser reads Config.User from `container inspect` output. An
// empty user means root.
func parseInspectUser(output []byte) (uid, gid string, ok bool) {
	var data []struct {
		Config struct {
			User string `json:"User"`
		} `json:"Config"`
	}
	if err := json.Unmarshal(output, &data); err != nil || len(data) == 0 {
		return "", "", false
	}
	user := data[0].Config.User
	if user == "" {
		return "0", "0", true
	}
	uid, gid, found := strings.Cut(user, ":")
	if !found {
		gid = uid
	}
	return uid, gid, true
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
