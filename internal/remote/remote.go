// Package remote runs load generators on other hosts over SSH. Files move
// over plain exec sessions (cat in, cat out); no SFTP subsystem is needed
// on the generator.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/executor"
)

// Host is one SSH endpoint.
type Host struct {
	Name     string `mapstructure:"name" yaml:"name,omitempty"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty"`
	User     string `mapstructure:"user" yaml:"user,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// Key identifies a connection in the pool.
func (h Host) Key() string {
	return fmt.Sprintf("%s@%s:%d", h.user(), h.Host, h.port())
}

func (h Host) port() int {
	if h.Port == 0 {
		return 22
	}
	return h.Port
}

func (h Host) user() string {
	if h.User == "" {
		return "root"
	}
	return h.User
}

// ErrNoCredentials is returned for a host with neither key nor password.
var ErrNoCredentials = errors.New("either password or key_file must be provided")

// Options tunes dialing.
type Options struct {
	Timeout time.Duration
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts string
}

// Pool keeps one client per user@host:port.
type Pool struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool(opts Options, logger *zap.Logger) *Pool {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{opts: opts, logger: logger, clients: make(map[string]*Client)}
}

// Connect returns a live client for h, dialing when the pooled one is gone.
func (p *Pool) Connect(ctx context.Context, h Host) (*Client, error) {
	key := h.Key()
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		if c.alive() {
			p.logger.Debug("reusing ssh connection", zap.String("host", key))
			return c, nil
		}
		p.logger.Debug("dropping dead ssh connection", zap.String("host", key))
		_ = c.Close()
		delete(p.clients, key)
	}

	cfg, err := p.clientConfig(h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	addr := net.JoinHostPort(h.Host, strconv.Itoa(h.port()))
	d := net.Dialer{Timeout: p.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", key, err)
	}
	c := &Client{host: h, ssh: ssh.NewClient(sshConn, chans, reqs), logger: p.logger}
	p.clients[key] = c
	p.logger.Info("connected", zap.String("host", key))
	return c, nil
}

func (p *Pool) clientConfig(h Host) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case h.KeyFile != "":
		signer, err := loadKey(h.KeyFile, p.logger)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case h.Password != "":
		auth = append(auth, ssh.Password(h.Password))
	default:
		return nil, ErrNoCredentials
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // generators are usually fresh VMs
	if p.opts.KnownHosts != "" {
		file, err := homedir.Expand(p.opts.KnownHosts)
		if err != nil {
			return nil, err
		}
		if hostKey, err = knownhosts.New(file); err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}
	return &ssh.ClientConfig{
		User:            h.user(),
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         p.opts.Timeout,
	}, nil
}

func loadKey(keyFile string, logger *zap.Logger) (ssh.Signer, error) {
	file, err := homedir.Expand(keyFile)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("ssh key file: %w", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		logger.Warn("ssh key permissions should be 600", zap.String("key_file", file), zap.String("mode", mode.String()))
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", file, err)
	}
	return signer, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.clients, key)
	}
	return errors.Join(errs...)
}

// Client is one SSH connection.
type Client struct {
	host   Host
	ssh    *ssh.Client
	logger *zap.Logger
}

// Host returns the endpoint the client is connected to.
func (c *Client) Host() Host { return c.host }

func (c *Client) alive() bool {
	_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.ssh.Close() }

// Exec runs a shell command. A cancelled ctx sends SIGINT to the remote
// process, then closes the session after the grace period.
func (c *Client) Exec(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return -1, fmt.Errorf("new session on %s: %w", c.host.Key(), err)
	}
	defer session.Close()
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start on %s: %w", c.host.Key(), err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		select {
		case waitErr = <-done:
		case <-time.After(gracePeriod):
			c.logger.Warn("remote process ignored SIGINT, closing session", zap.String("host", c.host.Key()))
			_ = session.Close()
			waitErr = <-done
		}
	}

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if ctx.Err() != nil {
		return -1, nil
	}
	return -1, fmt.Errorf("run on %s: %w", c.host.Key(), waitErr)
}

const gracePeriod = 3 * time.Second

// Upload copies data to remotePath, creating the parent directory.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		Quote(path.Dir(remotePath)), Quote(remotePath), mode.Perm(), Quote(remotePath))
	var stderr bytes.Buffer
	code, err := c.Exec(ctx, cmd, bytes.NewReader(data), io.Discard, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("upload %s to %s: exit %d: %s", remotePath, c.host.Key(), code, strings.TrimSpace(stderr.String()))
	}
	c.logger.Debug("uploaded", zap.String("host", c.host.Key()), zap.String("path", remotePath), zap.Int("bytes", len(data)))
	return nil
}

// UploadFile copies a local file.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return c.Upload(ctx, data, remotePath, 0644)
}

// Download streams remotePath into w.
func (c *Client) Download(ctx context.Context, remotePath string, w io.Writer) error {
	var stderr bytes.Buffer
	code, err := c.Exec(ctx, "cat "+Quote(remotePath), nil, w, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("download %s from %s: exit %d: %s", remotePath, c.host.Key(), code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DownloadFile copies remotePath to localPath.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if err := c.Download(ctx, remotePath, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Executor adapts a Client to executor.Executor so the k6 runner can drive
// a remote generator.
type Executor struct {
	Client *Client
}

var _ executor.Executor = (*Executor)(nil)

// CommandLine renders c as a remote shell command.
func CommandLine(c executor.Command) string {
	var b strings.Builder
	if c.Dir != "" {
		fmt.Fprintf(&b, "mkdir -p %s && cd %s && ", Quote(c.Dir), Quote(c.Dir))
	}
	if len(c.Env) > 0 {
		b.WriteString("env")
		for _, kv := range c.Env {
			b.WriteString(" " + Quote(kv))
		}
		b.WriteString(" ")
	}
	b.WriteString(Quote(c.Tool))
	for _, a := range c.Args {
		b.WriteString(" " + Quote(a))
	}
	return b.String()
}

// Run executes c on the remote host.
func (e *Executor) Run(ctx context.Context, c executor.Command) (*executor.RawOutput, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer
	limited := &executor.LimitedWriter{W: &stdout, N: 50 * 1024 * 1024}
	var out io.Writer = limited
	if c.Stream != nil {
		out = io.MultiWriter(limited, c.Stream)
	}
	code, err := e.Client.Exec(ctx, CommandLine(c), nil, out, &stderr)
	if err != nil {
		return nil, err
	}
	return &executor.RawOutput{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  code,
		Duration:  time.Since(start),
		Truncated: limited.Truncated,
	}, nil
}

// Available reports whether tool is on the remote PATH.
func (e *Executor) Available(tool string) bool {
	code, err := e.Client.Exec(context.Background(), "command -v "+Quote(tool), nil, io.Discard, io.Discard)
	return err == nil && code == 0
}
