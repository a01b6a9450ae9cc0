// Package bridge implements the session bridge: the protocol engine that
// relays bytes and control messages between a browser terminal widget and a
// remote interactive shell for the lifetime of one session.
//
// A bridge moves through Connecting → Negotiating → Relaying → Closing →
// Closed. The two relay directions run concurrently and independently; the
// bridge is content-agnostic and never re-encodes terminal bytes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/gateerr"
)

// State is the bridge lifecycle state.
type State string

const (
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateRelaying    State = "relaying"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// FrameKind distinguishes raw terminal bytes from structured control
// messages on the client transport.
type FrameKind int

const (
	// FrameData carries raw terminal input bytes.
	FrameData FrameKind = iota
	// FrameControl carries a JSON control message (terminal geometry).
	FrameControl
)

// ClientConn is the browser-facing side of a bridge. Implementations must
// honor context cancellation on blocked reads.
type ClientConn interface {
	ReadFrame(ctx context.Context) (FrameKind, []byte, error)
	WriteOutput(ctx context.Context, data []byte) error
}

// RemoteShell is the remote side: an opaque duplex byte stream plus a resize
// control. Close must unblock a concurrent Read within a bounded time.
type RemoteShell interface {
	io.ReadWriteCloser
	Resize(rows, cols int) error
}

// RemoteConn is an authenticated connection to a server on which shells can
// be opened.
type RemoteConn interface {
	Shell(rows, cols int) (RemoteShell, error)
	Close() error
}

// RemoteDialer establishes the remote connection for a bridge.
type RemoteDialer interface {
	Dial(ctx context.Context) (RemoteConn, error)
}

// Geometry is a terminal size in character cells.
type Geometry struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (g Geometry) valid() bool {
	return g.Rows > 0 && g.Cols > 0
}

// DefaultGeometry is applied when the client sends no usable geometry within
// the grace window.
var DefaultGeometry = Geometry{Rows: 50, Cols: 200}

// DefaultGeometryGrace bounds how long the bridge waits for the initial
// geometry control message before falling back to DefaultGeometry.
const DefaultGeometryGrace = 2 * time.Second

// Options tune one bridge run. Zero values select the defaults above.
type Options struct {
	DefaultGeometry Geometry
	GeometryGrace   time.Duration
}

// Bridge relays one session. Create with New, drive with Run, interrupt with
// Close. Close is safe to call at any time from any goroutine and is
// idempotent.
type Bridge struct {
	client ClientConn
	dialer RemoteDialer
	opts   Options

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	ioErr  error

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func New(client ClientConn, dialer RemoteDialer, opts Options) *Bridge {
	if !opts.DefaultGeometry.valid() {
		opts.DefaultGeometry = DefaultGeometry
	}
	if opts.GeometryGrace <= 0 {
		opts.GeometryGrace = DefaultGeometryGrace
	}
	return &Bridge{
		client: client,
		dialer: dialer,
		opts:   opts,
		state:  StateConnecting,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Close forces the bridge down. Both relay directions unblock promptly; the
// second and later calls are no-ops.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.mu.Unlock()
	})
}

// Done is closed when Run has finished and all resources are released.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Run drives the bridge to completion. It returns ErrRemoteConnectFailed
// when the remote connection cannot be established, an ErrIO-wrapped error
// when relay dies on a stream fault, and nil on clean teardown (client
// close, remote EOF, or forced Close).
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)
	defer b.setState(StateClosed)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	// Close may have won the race before cancel was registered.
	select {
	case <-b.closed:
		return nil
	default:
	}

	// Connecting: establish the remote connection. No automatic retry;
	// persistent misconfiguration must surface, not hide behind a loop.
	conn, err := b.dialer.Dial(runCtx)
	if err != nil {
		if errors.Is(err, gateerr.ErrRemoteConnectFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", gateerr.ErrRemoteConnectFailed, err)
	}
	defer conn.Close()

	// Negotiating: wait for the initial geometry control message, bounded
	// by the grace window. A data frame arriving first is kept and relayed
	// once the shell is up; geometry then falls back to the default.
	b.setState(StateNegotiating)
	geo, pending, err := b.negotiate(runCtx)
	if err != nil {
		return nil // client went away before the shell started
	}

	shell, err := conn.Shell(geo.Rows, geo.Cols)
	if err != nil {
		if errors.Is(err, gateerr.ErrRemoteConnectFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", gateerr.ErrRemoteConnectFailed, err)
	}

	// Cancellation is the wake-up path for both directions: closing the
	// shell unblocks the blocked remote read, cancelling the context
	// unblocks the client read.
	go func() {
		<-runCtx.Done()
		shell.Close()
	}()

	b.setState(StateRelaying)

	if len(pending) > 0 {
		if _, err := shell.Write(pending); err != nil {
			b.recordIOErr(err)
			cancel()
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		b.pumpRemoteOutput(runCtx, shell)
	}()

	b.pumpClientInput(runCtx, shell)
	cancel()
	wg.Wait()

	b.setState(StateClosing)

	b.mu.Lock()
	ioErr := b.ioErr
	b.mu.Unlock()
	return ioErr
}

// negotiate returns the session geometry and any data bytes that arrived
// before it. The returned error is non-nil only when the client connection
// died during the grace window.
func (b *Bridge) negotiate(ctx context.Context) (Geometry, []byte, error) {
	graceCtx, cancel := context.WithTimeout(ctx, b.opts.GeometryGrace)
	defer cancel()

	kind, data, err := b.client.ReadFrame(graceCtx)
	if err != nil {
		if graceCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return b.opts.DefaultGeometry, nil, nil
		}
		return Geometry{}, nil, err
	}

	if kind == FrameData {
		return b.opts.DefaultGeometry, data, nil
	}

	geo, perr := parseGeometry(data)
	if perr != nil {
		// Malformed geometry is a recovered protocol error, not fatal.
		return b.opts.DefaultGeometry, nil, nil
	}
	return geo, nil, nil
}

func parseGeometry(data []byte) (Geometry, error) {
	var geo Geometry
	if err := json.Unmarshal(data, &geo); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", gateerr.ErrProtocol, err)
	}
	if !geo.valid() {
		return Geometry{}, fmt.Errorf("%w: geometry %dx%d out of range", gateerr.ErrProtocol, geo.Rows, geo.Cols)
	}
	return geo, nil
}

// pumpClientInput relays client frames to the remote shell: data frames are
// appended to the shell's input stream, control frames apply a live resize
// without interrupting data relay.
func (b *Bridge) pumpClientInput(ctx context.Context, shell RemoteShell) {
	for {
		kind, data, err := b.client.ReadFrame(ctx)
		if err != nil {
			// io.EOF is a clean client close, not a fault.
			if err != io.EOF && ctx.Err() == nil {
				b.recordIOErr(err)
			}
			return
		}

		switch kind {
		case FrameData:
			if _, err := shell.Write(data); err != nil {
				if ctx.Err() == nil {
					b.recordIOErr(err)
				}
				return
			}
		case FrameControl:
			geo, perr := parseGeometry(data)
			if perr != nil {
				continue // recovered: ignore malformed control frames
			}
			if err := shell.Resize(geo.Rows, geo.Cols); err != nil {
				if ctx.Err() == nil {
					b.recordIOErr(err)
				}
				return
			}
		}
	}
}

// pumpRemoteOutput relays remote shell output to the client as opaque binary
// payloads, in order, without interpretation.
func (b *Bridge) pumpRemoteOutput(ctx context.Context, shell RemoteShell) {
	buf := make([]byte, 32*1024)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			if werr := b.client.WriteOutput(ctx, buf[:n]); werr != nil {
				if ctx.Err() == nil {
					b.recordIOErr(werr)
				}
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				b.recordIOErr(err)
			}
			return
		}
	}
}

// recordIOErr keeps the first relay fault; it is what Run reports.
func (b *Bridge) recordIOErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ioErr == nil {
		b.ioErr = fmt.Errorf("%w: %v", gateerr.ErrIO, err)
	}
}
