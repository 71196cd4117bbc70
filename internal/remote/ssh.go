package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/jokh38/mqi-interface/internal/config"
	"github.com/jokh38/mqi-interface/internal/executor"
)

// NewSSHFactory builds the Factory used by the pool in production. Key
// authentication is preferred; a password is the fallback.
func NewSSHFactory(cfg config.SSHConfig) (Factory, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "read ssh key %s", cfg.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, errors.Wrap(err, "parse ssh key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout.Std(),
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	return func(ctx context.Context) (Session, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout.Std()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "ssh handshake with %s", addr)
		}
		return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
	}, nil
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, command string) (executor.Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return executor.Result{}, errors.Wrap(err, "open ssh channel")
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		// Best effort: ask the remote side to stop, then abandon the
		// channel.
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
		<-done
		return executor.Result{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err = <-done:
	}

	res := executor.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &executor.ExitError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, errors.Wrap(err, "run remote command")
}

func (s *sshSession) SFTP() (*sftp.Client, error) {
	return sftp.NewClient(s.client)
}

// Alive probes the connection with an SSH keepalive request; a dead
// transport errors out immediately.
func (s *sshSession) Alive() bool {
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
