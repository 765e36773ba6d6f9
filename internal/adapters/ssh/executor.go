// Package ssh implements the remote executor over SSH sessions. Each call
// opens its own connection; minions are few and calls are minutes apart.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

const maxDialAttempts = 3

// session is one command execution on an open connection.
type session interface {
	Run(ctx context.Context, command string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close() error
}

type Executor struct {
	minion config.SSHConfig
	router config.SSHConfig
	logger *slog.Logger

	dialFn  func(ctx context.Context, profile config.SSHConfig, host string) (session, error)
	sleepFn func(ctx context.Context, wait time.Duration) error
}

var _ remote.Executor = (*Executor)(nil)

// New builds an executor for the minion and router credential profiles.
func New(minion, router config.SSHConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		minion:  minion,
		router:  router,
		logger:  logger,
		dialFn:  dial,
		sleepFn: sleepContext,
	}
}

func (e *Executor) RunCommand(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	profile, host, err := e.resolve(cmd.Endpoint)
	if err != nil {
		return remote.Result{}, err
	}
	command := cmd.Command
	var stdin io.Reader
	if cmd.Elevate {
		command, stdin = elevate(command, profile.Password)
	}
	return e.exec(ctx, profile, host, command, stdin, timeoutOr(cmd.Timeout, profile.CommandTimeout)), nil
}

// PushFile streams localPath into remotePath, creating the parent directory.
func (e *Executor) PushFile(ctx context.Context, target remote.Endpoint, localPath, remotePath string) (remote.Result, error) {
	profile, host, err := e.resolve(target)
	if err != nil {
		return remote.Result{}, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return remote.Failed(fmt.Errorf("open %s: %w", localPath, err)), nil
	}
	defer f.Close()

	command := fmt.Sprintf("cat > %s", quote(remotePath))
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		command = fmt.Sprintf("mkdir -p %s && %s", quote(dir), command)
	}
	return e.exec(ctx, profile, host, command, f, profile.CommandTimeout), nil
}

// PullFile copies remotePath into localPath. The local file is replaced only
// when the remote read succeeded.
func (e *Executor) PullFile(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error) {
	profile, host, err := e.resolve(target)
	if err != nil {
		return remote.Result{}, err
	}
	res := e.exec(ctx, profile, host, "cat "+quote(remotePath), nil, profile.CommandTimeout)
	if !res.Success {
		return res, nil
	}
	if err := writeFileAtomic(localPath, []byte(res.Stdout)); err != nil {
		return remote.Failed(err), nil
	}
	return remote.Result{Success: true}, nil
}

func (e *Executor) resolve(target remote.Endpoint) (config.SSHConfig, string, error) {
	switch target.Kind {
	case remote.KindDevice:
		if !e.minion.Configured() {
			return config.SSHConfig{}, "", fmt.Errorf("%w: %s", remote.ErrEndpointNotConfigured, target.Kind)
		}
		if strings.TrimSpace(target.Address) == "" {
			return config.SSHConfig{}, "", remote.ErrAddressRequired
		}
		return e.minion, target.Address, nil
	case remote.KindRouter:
		if !e.router.Configured() || strings.TrimSpace(e.router.Host) == "" {
			return config.SSHConfig{}, "", fmt.Errorf("%w: %s", remote.ErrEndpointNotConfigured, target.Kind)
		}
		return e.router, e.router.Host, nil
	default:
		return config.SSHConfig{}, "", fmt.Errorf("%w: %q", remote.ErrEndpointNotConfigured, target.Kind)
	}
}

func (e *Executor) exec(ctx context.Context, profile config.SSHConfig, host, command string, stdin io.Reader, timeout time.Duration) remote.Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := e.connect(ctx, profile, host)
	if err != nil {
		e.logger.Warn("ssh connect failed", "host", host, "err", err)
		return remote.Failed(err)
	}
	defer conn.Close()

	stdout, stderr, err := conn.Run(ctx, command, stdin)
	res := remote.Result{Success: err == nil, Stdout: string(stdout), Stderr: string(stderr)}
	if err != nil {
		var exitErr *gossh.ExitError
		if !errors.As(err, &exitErr) || strings.TrimSpace(res.Stderr) == "" {
			res.Stderr = strings.TrimSpace(res.Stderr + "\n" + err.Error())
		}
		e.logger.Debug("remote command failed", "host", host, "err", err)
	}
	return res
}

func (e *Executor) connect(ctx context.Context, profile config.SSHConfig, host string) (session, error) {
	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		conn, err := e.dialFn(ctx, profile, host)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt == maxDialAttempts {
			break
		}
		if err := e.sleepFn(ctx, time.Duration(attempt)*400*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, &DialError{Host: host, Err: lastErr}
}

// DialError reports that no SSH connection could be established.
type DialError struct {
	Host string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("ssh connect to %s: %v", e.Host, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "unable to authenticate"):
		return false
	case strings.Contains(message, "knownhosts"):
		return false
	case strings.Contains(message, "connection reset"),
		strings.Contains(message, "connection refused"),
		strings.Contains(message, "broken pipe"),
		strings.Contains(message, "timeout"):
		return true
	}
	return false
}

// elevate wraps command in sudo. With a password it is fed on stdin, without
// one sudo must not prompt.
func elevate(command, password string) (string, io.Reader) {
	if password == "" {
		return "sudo -n sh -c " + quote(command), nil
	}
	return "sudo -S -p '' sh -c " + quote(command), strings.NewReader(password + "\n")
}

// quote renders s as a single POSIX shell word.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func timeoutOr(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dial(ctx context.Context, profile config.SSHConfig, host string) (session, error) {
	clientConfig, err := clientConfig(profile)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(profile.Port))

	dialer := net.Dialer{Timeout: profile.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	c, chans, reqs, err := gossh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return &clientSession{client: gossh.NewClient(c, chans, reqs)}, nil
}

func clientConfig(profile config.SSHConfig) (*gossh.ClientConfig, error) {
	var auth []gossh.AuthMethod
	if profile.KeyFile != "" {
		key, err := os.ReadFile(profile.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, gossh.PublicKeys(signer))
	}
	if profile.Password != "" {
		auth = append(auth, gossh.Password(profile.Password))
	}

	hostKeys := gossh.InsecureIgnoreHostKey() //nolint:gosec
	if !profile.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(profile.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKeys = cb
	}
	return &gossh.ClientConfig{
		User:            profile.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         profile.ConnectTimeout,
	}, nil
}

type clientSession struct {
	client *gossh.Client
}

func (s *clientSession) Run(ctx context.Context, command string, stdin io.Reader) ([]byte, []byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}
	if err := sess.Start(command); err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		_ = sess.Signal(gossh.SIGKILL)
		_ = s.client.Close()
		<-done
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("remote command interrupted: %w", ctx.Err())
	}
}

func (s *clientSession) Close() error {
	return s.client.Close()
}
