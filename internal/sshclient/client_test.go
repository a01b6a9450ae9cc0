package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/termgate/termgate/internal/gateerr"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "deploy"
	testPassword = "sekret"
)

// testSSHServer starts an in-process SSH server accepting password and public
// key auth. Shell sessions report PTY status, echo stdin back with an "echo:"
// prefix, and acknowledge window changes with a "resize:COLSxROWS" line.
func testSSHServer(t *testing.T, authorizedKey ssh.PublicKey) (host string, port int) {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorizedKey != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	h, p, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ = strconv.Atoi(p)
	return h, port
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", cols, rows)))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.Write([]byte(fmt.Sprintf("PTY:%v\n", hasPTY)))
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// readUntil reads from r until the accumulated output contains target or the
// timeout expires.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var accumulated string
	buf := make([]byte, 4096)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated)
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			accumulated += string(buf[:n])
		}
		if strings.Contains(accumulated, target) {
			return accumulated
		}
		if err != nil {
			t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, err, accumulated)
		}
	}
}

func passwordConfig(host string, port int) Config {
	return Config{
		Host:     host,
		Port:     port,
		Username: testUser,
		Password: testPassword,
		Timeout:  5 * time.Second,
	}
}

func TestDialPassword(t *testing.T) {
	host, port := testSSHServer(t, nil)

	client, err := Dial(context.Background(), passwordConfig(host, port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close()
}

func TestDialWrongPassword(t *testing.T) {
	host, port := testSSHServer(t, nil)

	cfg := passwordConfig(host, port)
	cfg.Password = "nope"
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, gateerr.ErrRemoteConnectFailed) {
		t.Fatalf("expected ErrRemoteConnectFailed, got %v", err)
	}
}

func TestDialPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	host, port := testSSHServer(t, signer.PublicKey())
	cfg := Config{
		Host:       host,
		Port:       port,
		Username:   testUser,
		PrivateKey: string(pem.EncodeToMemory(block)),
		Timeout:    5 * time.Second,
	}
	client, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	client.Close()
}

func TestDialEncryptedPrivateKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("keypass"))
	if err != nil {
		t.Fatalf("marshal encrypted key: %v", err)
	}

	host, port := testSSHServer(t, signer.PublicKey())
	cfg := Config{
		Host:       host,
		Port:       port,
		Username:   testUser,
		PrivateKey: string(pem.EncodeToMemory(block)),
		Passphrase: "keypass",
		Timeout:    5 * time.Second,
	}
	client, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial with encrypted key: %v", err)
	}
	client.Close()

	cfg.Passphrase = "wrong"
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, gateerr.ErrRemoteConnectFailed) {
		t.Errorf("wrong passphrase: expected ErrRemoteConnectFailed, got %v", err)
	}
}

func TestDialNoCredentials(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 22, Username: testUser}
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, gateerr.ErrRemoteConnectFailed) {
		t.Fatalf("expected ErrRemoteConnectFailed, got %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	// Grab a free port and close it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, p, _ := net.SplitHostPort(l.Addr().String())
	l.Close()
	port, _ := strconv.Atoi(p)

	cfg := passwordConfig("127.0.0.1", port)
	cfg.Timeout = time.Second
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, gateerr.ErrRemoteConnectFailed) {
		t.Fatalf("expected ErrRemoteConnectFailed, got %v", err)
	}
}

func TestDialCanceledContext(t *testing.T) {
	host, port := testSSHServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, passwordConfig(host, port)); !errors.Is(err, gateerr.ErrRemoteConnectFailed) {
		t.Fatalf("expected ErrRemoteConnectFailed, got %v", err)
	}
}

func TestShellEcho(t *testing.T) {
	host, port := testSSHServer(t, nil)

	client, err := Dial(context.Background(), passwordConfig(host, port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	shell, err := client.Shell(24, 80)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	defer shell.Close()

	readUntil(t, shell, "PTY:true", 2*time.Second)

	if _, err := shell.Write([]byte("hello world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, shell, "echo:hello world", 2*time.Second)
}

func TestShellResize(t *testing.T) {
	host, port := testSSHServer(t, nil)

	client, err := Dial(context.Background(), passwordConfig(host, port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	shell, err := client.Shell(24, 80)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	defer shell.Close()

	readUntil(t, shell, "PTY:true", 2*time.Second)

	if err := shell.Resize(40, 120); err != nil {
		t.Fatalf("resize: %v", err)
	}
	readUntil(t, shell, "resize:120x40", 2*time.Second)
}

func TestShellCloseUnblocksRead(t *testing.T) {
	host, port := testSSHServer(t, nil)

	client, err := Dial(context.Background(), passwordConfig(host, port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	shell, err := client.Shell(24, 80)
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	readUntil(t, shell, "PTY:true", 2*time.Second)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := shell.Read(buf); err != nil {
				readErr <- err
				return
			}
		}
	}()

	shell.Close()
	select {
	case <-readErr:
	case <-time.After(3 * time.Second):
		t.Fatal("blocked read did not unblock after Close")
	}
}
