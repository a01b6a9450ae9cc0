package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/bridge"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/gateerr"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/sshclient"
)

// WebSocket close codes in the application range. 4003 is deliberately used
// for both "no such server" and "not permitted" so an unauthorized caller
// learns nothing about server existence.
const (
	closeAccessDenied  = 4003
	closeRemoteFailed  = 4500
	closeInternalError = 4501
)

// TerminalWS upgrades to a WebSocket and bridges the client to the target
// server's shell. The first text frame is expected to carry the terminal
// geometry; binary frames are raw terminal input; later text frames resize.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	serverID, err := strconv.Atoi(chi.URLParam(r, "serverId"))
	if err != nil || serverID < 0 {
		http.Error(w, "Invalid server ID", http.StatusBadRequest)
		return
	}

	user := middleware.GetUser(r)
	if user == nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	// Register before bridging so forced termination can find the session
	// while the remote connection is still being established.
	sess, err := Registry.Open(r.Context(), user.ID, uint(serverID))
	if err != nil {
		clientConn.Close(closeAccessDenied, "Access denied")
		return
	}
	defer sess.Close()

	server, err := database.GetServerByID(uint(serverID))
	if err != nil {
		// The server vanished between authorization and lookup. Same
		// generic denial: do not leak existence.
		clientConn.Close(closeAccessDenied, "Access denied")
		return
	}

	sshCfg, err := serverSSHConfig(server)
	if err != nil {
		log.Printf("Terminal session %s: credential decrypt failed: %v", sess.ID, err)
		clientConn.Close(closeInternalError, "Server configuration error")
		return
	}

	b := bridge.New(
		&wsClientConn{conn: clientConn},
		&sshDialer{cfg: sshCfg},
		bridgeOptions(),
	)

	// A forced registry close cancels the session context, which tears the
	// bridge down; a natural bridge exit releases the slot via the defer.
	err = b.Run(sess.Context())

	switch {
	case errors.Is(err, gateerr.ErrRemoteConnectFailed):
		log.Printf("Terminal session %s: %v", sess.ID, err)
		clientConn.Close(closeRemoteFailed, "Failed to establish SSH connection")
	case errors.Is(err, gateerr.ErrIO):
		log.Printf("Terminal session %s ended: %v", sess.ID, err)
		clientConn.Close(websocket.StatusInternalError, "Session terminated: stream error")
	default:
		clientConn.Close(websocket.StatusNormalClosure, "")
	}
}

// serverSSHConfig decrypts the server's stored credentials into a dial
// config. Plaintext never touches the database or the logs.
func serverSSHConfig(server *database.Server) (sshclient.Config, error) {
	password, err := crypto.Decrypt(server.Password)
	if err != nil {
		return sshclient.Config{}, err
	}
	privateKey, err := crypto.Decrypt(server.PrivateKey)
	if err != nil {
		return sshclient.Config{}, err
	}
	passphrase, err := crypto.Decrypt(server.Passphrase)
	if err != nil {
		return sshclient.Config{}, err
	}

	timeout, err := time.ParseDuration(config.Cfg.SSHConnectTimeout)
	if err != nil || timeout <= 0 {
		timeout = sshclient.DefaultConnectTimeout
	}

	return sshclient.Config{
		Host:       server.Host,
		Port:       server.Port,
		Username:   server.Username,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
		Timeout:    timeout,
	}, nil
}

func bridgeOptions() bridge.Options {
	opts := bridge.Options{
		DefaultGeometry: bridge.Geometry{
			Rows: config.Cfg.DefaultRows,
			Cols: config.Cfg.DefaultCols,
		},
	}
	if grace, err := time.ParseDuration(config.Cfg.GeometryGrace); err == nil && grace > 0 {
		opts.GeometryGrace = grace
	}
	return opts
}

// wsClientConn adapts a coder/websocket connection to the bridge's client
// side: binary frames are data, text frames are control messages.
type wsClientConn struct {
	conn *websocket.Conn
}

func (c *wsClientConn) ReadFrame(ctx context.Context) (bridge.FrameKind, []byte, error) {
	msgType, data, err := c.conn.Read(ctx)
	if err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return bridge.FrameData, nil, io.EOF
		}
		return bridge.FrameData, nil, err
	}
	if msgType == websocket.MessageText {
		return bridge.FrameControl, data, nil
	}
	return bridge.FrameData, data, nil
}

func (c *wsClientConn) WriteOutput(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// sshDialer adapts the SSH client to the bridge's remote side.
type sshDialer struct {
	cfg sshclient.Config
}

func (d *sshDialer) Dial(ctx context.Context) (bridge.RemoteConn, error) {
	client, err := sshclient.Dial(ctx, d.cfg)
	if err != nil {
		return nil, err
	}
	return &sshRemoteConn{client: client}, nil
}

type sshRemoteConn struct {
	client *sshclient.Client
}

func (c *sshRemoteConn) Shell(rows, cols int) (bridge.RemoteShell, error) {
	return c.client.Shell(rows, cols)
}

func (c *sshRemoteConn) Close() error {
	return c.client.Close()
}
