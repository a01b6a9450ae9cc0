// Package sshclient is the remote shell adapter: it opens SSH connections to
// target servers and starts PTY-backed interactive shells on them. The rest
// of the core treats a Shell as an opaque duplex byte stream plus a resize
// control.
package sshclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/termgate/termgate/internal/gateerr"
	"golang.org/x/crypto/ssh"
)

// DefaultConnectTimeout bounds connection establishment when the caller does
// not supply a timeout.
const DefaultConnectTimeout = 30 * time.Second

// Config carries everything needed to reach one server. Credential fields
// are plaintext here; decryption happens at the call site.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string // PEM-encoded, optional
	Passphrase string // for an encrypted private key
	Timeout    time.Duration
}

// Client wraps an established SSH connection.
type Client struct {
	client *ssh.Client
}

// Dial connects and authenticates to the server described by cfg. Private
// key auth is preferred when configured, with password auth as fallback.
// All setup failures wrap ErrRemoteConnectFailed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", gateerr.ErrRemoteConnectFailed, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", gateerr.ErrRemoteConnectFailed, addr, err)
	}

	return &Client{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("server has neither password nor private key configured")
	}
	return auth, nil
}

// Shell opens a PTY-backed login shell sized to the given geometry.
func (c *Client) Shell(rows, cols int) (*Shell, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: request pty: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", gateerr.ErrRemoteConnectFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: start shell: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	return &Shell{
		Stdin:   stdin,
		Stdout:  stdout,
		session: session,
	}, nil
}

// Close tears down the SSH connection and any session on it.
func (c *Client) Close() error {
	return c.client.Close()
}

// Shell is one interactive remote shell. Stdin carries client keystrokes to
// the remote process, Stdout carries remote output (stderr is merged into
// the PTY stream).
type Shell struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	session *ssh.Session
}

// Read returns remote shell output.
func (s *Shell) Read(p []byte) (int, error) {
	return s.Stdout.Read(p)
}

// Write appends to the remote shell's input stream.
func (s *Shell) Write(p []byte) (int, error) {
	return s.Stdin.Write(p)
}

// Resize changes the remote pseudo-terminal geometry.
func (s *Shell) Resize(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

// Close terminates the remote shell session.
func (s *Shell) Close() error {
	return s.session.Close()
}
