package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/executor"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/k6"
)

const testPassword = "secret"

// testServer is an SSH server that runs exec requests with the local
// /bin/sh, so "remote" paths are paths on this machine.
type testServer struct {
	host    Host
	hostKey ssh.PublicKey
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return &testServer{
		host:    Host{Host: "127.0.0.1", Port: addr.Port, User: "tester", Password: testPassword},
		hostKey: signer.PublicKey(),
	}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	var cmd *exec.Cmd
	done := make(chan int, 1)
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil || cmd != nil {
					_ = req.Reply(false, nil)
					continue
				}
				cmd = exec.Command("/bin/sh", "-c", payload.Command)
				cmd.Stdin, cmd.Stdout, cmd.Stderr = ch, ch, ch.Stderr()
				cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
				if err := cmd.Start(); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)
				go func(c *exec.Cmd) {
					_ = c.Wait()
					done <- c.ProcessState.ExitCode()
				}(cmd)
			case "signal":
				if cmd != nil && cmd.Process != nil {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
				}
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		case code := <-done:
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		}
	}
}

func connect(t *testing.T, s *testServer) *Client {
	t.Helper()
	pool := NewPool(Options{Timeout: 5 * time.Second}, nil)
	t.Cleanup(func() { pool.Close() })
	c, err := pool.Connect(context.Background(), s.host)
	require.NoError(t, err)
	return c
}

func TestExec(t *testing.T) {
	c := connect(t, startServer(t))

	var stdout, stderr bytes.Buffer
	code, err := c.Exec(context.Background(), "echo hello; echo oops >&2; exit 4", nil, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestExecInterrupt(t *testing.T) {
	c := connect(t, startServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var stdout bytes.Buffer
	_, err := c.Exec(ctx, `trap 'echo flushed; exit 0' INT; while true; do sleep 0.05; done`, nil, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "flushed")
}

func TestUploadDownload(t *testing.T) {
	c := connect(t, startServer(t))
	dir := t.TempDir()
	remotePath := filepath.Join(dir, "nested", "it's here.json")

	require.NoError(t, c.Upload(context.Background(), []byte(`{"a":1}`), remotePath, 0600))
	info, err := os.Stat(remotePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var buf bytes.Buffer
	require.NoError(t, c.Download(context.Background(), remotePath, &buf))
	assert.Equal(t, `{"a":1}`, buf.String())

	err = c.Download(context.Background(), filepath.Join(dir, "missing"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPool(t *testing.T) {
	s := startServer(t)
	pool := NewPool(Options{}, nil)
	defer pool.Close()

	a, err := pool.Connect(context.Background(), s.host)
	require.NoError(t, err)
	b, err := pool.Connect(context.Background(), s.host)
	require.NoError(t, err)
	assert.Same(t, a, b, "connection reused")

	bad := s.host
	bad.User = "other"
	bad.Password = "wrong"
	_, err = pool.Connect(context.Background(), bad)
	assert.Error(t, err)

	none := s.host
	none.User = "third"
	none.Password = ""
	_, err = pool.Connect(context.Background(), none)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestKnownHosts(t *testing.T) {
	s := startServer(t)
	addr := net.JoinHostPort(s.host.Host, strconv.Itoa(s.host.Port))
	file := filepath.Join(t.TempDir(), "known_hosts")

	require.NoError(t, os.WriteFile(file, []byte(knownhosts.Line([]string{addr}, s.hostKey)+"\n"), 0600))
	pool := NewPool(Options{KnownHosts: file}, nil)
	_, err := pool.Connect(context.Background(), s.host)
	require.NoError(t, err)
	pool.Close()

	other := startServer(t)
	require.NoError(t, os.WriteFile(file, []byte(knownhosts.Line([]string{addr}, other.hostKey)+"\n"), 0600))
	pool = NewPool(Options{KnownHosts: file}, nil)
	defer pool.Close()
	_, err = pool.Connect(context.Background(), s.host)
	assert.Error(t, err, "host key mismatch")
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "root@gen1:22", Host{Host: "gen1"}.Key())
	assert.Equal(t, "ubuntu@gen1:2222", Host{Host: "gen1", User: "ubuntu", Port: 2222}.Key())
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"plain":     "'plain'",
		"a b":       "'a b'",
		"it's":      `'it'\''s'`,
		"$HOME;rm":  "'$HOME;rm'",
		"KEY=v a'l": `'KEY=v a'\''l'`,
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestExecutorRun(t *testing.T) {
	c := connect(t, startServer(t))
	dir := filepath.Join(t.TempDir(), "work")

	e := &Executor{Client: c}
	raw, err := e.Run(context.Background(), executor.Command{
		Tool: "/bin/sh",
		Args: []string{"-c", `echo "$TEST_ID"; pwd`},
		Env:  []string{"TEST_ID=t 1"},
		Dir:  dir,
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(raw.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "t 1", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "/work"), lines[1])

	assert.True(t, e.Available("sh"))
	assert.False(t, e.Available("no-such-binary-xyz"))
}

func TestGeneratorRun(t *testing.T) {
	c := connect(t, startServer(t))
	binDir := t.TempDir()
	fake := filepath.Join(binDir, "k6")
	// Arguments: run --out json=PATH script
	require.NoError(t, os.WriteFile(fake, []byte(`#!/bin/sh
out="${3#json=}"
echo "{\"type\":\"Point\",\"metric\":\"http_reqs\",\"gen\":\"$LOAD_GEN_ID\"}" > "$out"
echo "     http_reqs......: 10  5/s"
`), 0755))

	p := k6.Params{TestID: "t1", TargetRPS: 5, Duration: "2s", VUs: 50, MaxVUs: 100}
	local, err := k6.WriteBundle(filepath.Join(t.TempDir(), "bundle"), p)
	require.NoError(t, err)

	workDir := t.TempDir()
	resultsDir := filepath.Join(t.TempDir(), "results")
	g := &Generator{Client: c, WorkDir: workDir, Binary: fake}
	res, err := g.Run(context.Background(), p, local, "gen-2", resultsDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(resultsDir, "t1_gen-2_k6_results.json"), res.ResultsPath)
	data, err := os.ReadFile(res.ResultsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"gen":"gen-2"`)

	_, err = os.Stat(filepath.Join(workDir, "t1", k6.ScriptName))
	assert.NoError(t, err, "script uploaded")
	rate, ok := res.Summary.Rate("http_reqs")
	assert.True(t, ok)
	assert.Equal(t, 5.0, rate)
}
