package installer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
)

// LocalHost runs commands on this machine.
type LocalHost struct {
	Out io.Writer
}

func (LocalHost) Name() string { return "local" }

func (LocalHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (h LocalHost) Run(ctx context.Context, env []string, argv ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	out := h.Out
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// SSHHost runs commands on a load generator.
type SSHHost struct {
	Client *remote.Client
	Out    io.Writer
}

func (h SSHHost) Name() string {
	if n := h.Client.Host().Name; n != "" {
		return n
	}
	return h.Client.Host().Host
}

func (h SSHHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	code, err := h.Client.Exec(ctx, "cat "+remote.Quote(path), nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("cat %s: exit %d: %s", path, code, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (h SSHHost) Run(ctx context.Context, env []string, argv ...string) error {
	code, err := h.Client.Exec(ctx, shellCommand(env, argv), nil, h.out(), h.out())
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s: exit %d", argv[0], code)
	}
	return nil
}

func (h SSHHost) out() io.Writer {
	if h.Out == nil {
		return io.Discard
	}
	return h.Out
}

// shellCommand quotes argv for a remote shell. Environment goes through
// env(1) so it survives a sudo prefix.
func shellCommand(env, argv []string) string {
	parts := make([]string, 0, len(env)+len(argv)+1)
	if len(env) > 0 {
		parts = append(parts, "env")
		for _, kv := range env {
			parts = append(parts, remote.Quote(kv))
		}
	}
	for _, a := range argv {
		parts = append(parts, remote.Quote(a))
	}
	return strings.Join(parts, " ")
}
