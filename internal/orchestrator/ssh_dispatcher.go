package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/protocol/stream"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrInvalidCommand = errors.New("orchestrator: command name not allowed")

// SSHConfig holds credentials and placement for ssh:// targets.
type SSHConfig struct {
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	// ScriptDir is the predefined command directory on the remote host.
	ScriptDir string
}

func DefaultSSHConfig() SSHConfig {
	return SSHConfig{
		Timeout:   10 * time.Second,
		ScriptDir: "/agent_files/predefined_commands",
	}
}

// SSHDispatcher runs predefined scripts over SSH for targets written as
// ssh://[user@]host[:port]. It needs no agent on the remote side.
type SSHDispatcher struct {
	cfg SSHConfig
	now func() time.Time
}

func NewSSHDispatcher(cfg SSHConfig) *SSHDispatcher {
	return &SSHDispatcher{cfg: cfg, now: time.Now}
}

func (d *SSHDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (FrameStream, error) {
	if err := checkCommandName(req.CommandName); err != nil {
		return nil, err
	}
	user, address, err := d.target(req.TargetHost)
	if err != nil {
		return nil, err
	}
	config, err := d.clientConfig(user)
	if err != nil {
		return nil, fmt.Errorf("%w: ssh config: %v", ErrTransport, err)
	}
	client, err := dialSSH(ctx, address, config, d.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: ssh dial %s: %v", ErrTransport, address, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh session: %v", ErrTransport, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh stdout: %v", ErrTransport, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh stderr: %v", ErrTransport, err)
	}
	if err := session.Start(remoteCommand(d.cfg.ScriptDir, req.CommandName, req.Params)); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh start: %v", ErrTransport, err)
	}

	s := &sshStream{
		ctx:     ctx,
		client:  client,
		session: session,
		frames:  make(chan stream.Frame, 64),
		done:    make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go pumpLines(stdout, stream.ChannelStdout, s.frames, s.done, &readers, d.now)
	go pumpLines(stderr, stream.ChannelStderr, s.frames, s.done, &readers, d.now)
	go func() {
		readers.Wait()
		close(s.frames)
	}()
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// target splits ssh://[user@]host[:port] into a user and dial address.
func (d *SSHDispatcher) target(raw string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "ssh" || u.Hostname() == "" {
		return "", "", fmt.Errorf("%w: bad ssh target %q", ErrTransport, raw)
	}
	user := d.cfg.User
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	return user, net.JoinHostPort(u.Hostname(), port), nil
}

func checkCommandName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	return nil
}

func remoteCommand(dir, name string, params []string) string {
	script := path.Join(dir, name)
	args := make([]string, 0, len(params)+2)
	switch path.Ext(name) {
	case ".sh":
		args = append(args, "/bin/sh", script)
	case ".py":
		args = append(args, "python3", script)
	default:
		args = append(args, script)
	}
	args = append(args, params...)
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func dialSSH(ctx context.Context, address string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (d *SSHDispatcher) clientConfig(user string) (*ssh.ClientConfig, error) {
	if user == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	signer, err := d.signer()
	if err != nil {
		return nil, err
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !d.cfg.InsecureSkipHostKeyChecking {
		hostKeyCallback, err = d.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.Timeout,
	}, nil
}

func (d *SSHDispatcher) signer() (ssh.Signer, error) {
	if d.cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	privateKey, err := os.ReadFile(d.cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(d.cfg.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, d.cfg.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (d *SSHDispatcher) knownHostsCallback() (ssh.HostKeyCallback, error) {
	p := strings.TrimSpace(d.cfg.KnownHostsPath)
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		p = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(p)
}

type sshStream struct {
	ctx     context.Context
	client  *ssh.Client
	session *ssh.Session
	frames  chan stream.Frame
	done    chan struct{}

	waitOnce  sync.Once
	closeOnce sync.Once
	exitCode  int
	exitKnown bool
	waitErr   error
}

func (s *sshStream) Next() (stream.Frame, error) {
	if f, ok := <-s.frames; ok {
		return f, nil
	}
	s.wait()
	if s.waitErr != nil {
		return stream.Frame{}, s.waitErr
	}
	return stream.Frame{}, io.EOF
}

func (s *sshStream) wait() {
	s.waitOnce.Do(func() {
		err := s.session.Wait()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			s.exitCode, s.exitKnown = 0, true
		case errors.As(err, &exitErr):
			s.exitCode, s.exitKnown = exitErr.ExitStatus(), true
		default:
			var missing *ssh.ExitMissingError
			if errors.As(err, &missing) && s.ctx.Err() == nil {
				return
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			s.waitErr = fmt.Errorf("%w: ssh session: %v", ErrTransport, err)
		}
	})
}

func (s *sshStream) ExitCode() (int, bool) {
	return s.exitCode, s.exitKnown
}

func (s *sshStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.session.Close()
		_ = s.client.Close()
	})
	return nil
}

// pumpLines forwards one pipe line by line.
func pumpLines(r io.Reader, ch stream.Channel, out chan<- stream.Frame, done <-chan struct{}, wg *sync.WaitGroup, now func() time.Time) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case out <- stream.Frame{Channel: ch, Time: now(), Text: strings.TrimRight(line, "\r\n")}:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}
