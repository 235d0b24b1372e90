package tor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// The SAFECOOKIE handshake below keeps the HMAC keys, nonce length,
// and two-step AUTHCHALLENGE/AUTHENTICATE flow of tor's control-port
// protocol unchanged, just driven through the Job/Command pipeline
// instead of a bespoke synchronous send/receive call, and generalized
// from one hard-coded auth path into one of four AuthMethods.
const (
	// nonceLen is the length of a nonce generated by either the
	// controller or the Tor server.
	nonceLen = 32

	// cookieLen is the length of the authentication cookie.
	cookieLen = 32

	// protocolInfoVersion is the PROTOCOLINFO version this package
	// speaks.
	protocolInfoVersion = 1

	// MinTorVersion is the lowest daemon version this package has been
	// validated against for v3 onion service support.
	MinTorVersion = "0.3.3.6"
)

var (
	serverKey = []byte("Tor safe cookie authentication " +
		"server-to-controller hash")
	controllerKey = []byte("Tor safe cookie authentication " +
		"controller-to-server hash")
)

// ControllerState is the Controller's own coarse lifecycle, distinct
// from any single Job's state.
type ControllerState int32

const (
	ControllerFresh ControllerState = iota
	ControllerRunning
	ControllerDestroyed
)

func (s ControllerState) String() string {
	switch s {
	case ControllerFresh:
		return "Fresh"
	case ControllerRunning:
		return "Running"
	case ControllerDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Controller owns the Transport, Codec, WaiterRegistry, CommandQueue,
// Dispatcher, EventRouter and RuntimeStateManager for one live control
// connection, and is the only type application code constructs
// directly.
type Controller struct {
	transport  Transport
	codec      *Codec
	waiters    *WaiterRegistry
	queue      *CommandQueue
	dispatcher *Dispatcher
	events     *EventRouter
	runtime    *RuntimeStateManager
	errors     *ErrorHandler
	probe      NetworkProbe

	state int32 // ControllerState, accessed atomically

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	onDestroyCallbacks []func()

	version string

	fingerprint string
}

// rawKeyValueResult is the decoded payload shared by PROTOCOLINFO and
// AUTHCHALLENGE, both of which are plain "KEY=VALUE" batches that only
// Controller itself needs to interpret.
type rawKeyValueResult struct {
	values map[string]string
}

// ControllerOption configures optional Controller behavior at
// construction time; the core deliberately has no config-file or
// flag-parsing surface of its own, so every knob is a functional
// option instead.
type ControllerOption func(*Controller)

// WithNetworkProbe overrides the default SOCKS-based NetworkProbe (see
// netprobe.go).
func WithNetworkProbe(p NetworkProbe) ControllerOption {
	return func(c *Controller) { c.probe = p }
}

// WithErrorCallback registers a sink for UncaughtException faults not
// otherwise delivered to a specific observer or suppression scope.
func WithErrorCallback(fn func(*UncaughtException)) ControllerOption {
	return func(c *Controller) { c.errors = NewErrorHandler(fn) }
}

// WithFingerprint sets the key the process-wide Registry uses to
// deduplicate controllers for the same running tor instance.
func WithFingerprint(fp string) ControllerOption {
	return func(c *Controller) { c.fingerprint = fp }
}

// NewController wires every subsystem together over transport but
// does not yet read or dispatch anything; call Start to bring the
// connection up, then Authenticate or ConnectSafeCookie before relying
// on anything but PROTOCOLINFO/AUTHENTICATE itself.
func NewController(ctx context.Context, transport Transport, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport: transport,
		codec:     NewCodec(),
		waiters:   NewWaiterRegistry(),
		runtime:   NewRuntimeStateManager(),
		errors:    NewErrorHandler(nil),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.queue = NewCommandQueue(c.errors)
	c.events = NewEventRouter(c.errors)
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.dispatcher = NewDispatcher(c.ctx, c.queue, c.codec, c.transport, c.waiters, c.errors)
	c.queue.SetDispatcher(c.dispatcher)
	if c.probe == nil {
		c.probe = NewSocksNetworkProbe(c.runtime)
	}

	return c
}

// Start begins the Transport's read loop and the Dispatcher, and
// registers this controller in the process-wide Registry under its
// fingerprint, if one was set. Start is idempotent: only the first
// call (whether direct or via TempCommandQueue.Attach) actually brings
// the controller up.
func (c *Controller) Start() {
	c.start()
}

// start is the guarded bring-up shared by Start and
// TempCommandQueue.Attach, so a controller comes up exactly once
// regardless of which path reaches it first.
func (c *Controller) start() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(ControllerFresh), int32(ControllerRunning)) {
		return
	}
	c.transport.StartRead(c.handleLine)
	c.dispatcher.Start()
	if c.fingerprint != "" {
		globalRegistry.register(c.fingerprint, c)
	}
}

// State reports the Controller's current lifecycle phase.
func (c *Controller) State() ControllerState {
	return ControllerState(atomic.LoadInt32(&c.state))
}

// handleLine is the Transport.StartRead callback: it demultiplexes
// each line into a completed ReplyBatch (handed to the waiter
// registry), an AsyncEvent (handed to the event router and the
// runtime state manager), or an end-of-stream signal.
func (c *Controller) handleLine(line string, ok bool) {
	if !ok {
		c.handleEOS()
		return
	}

	batch, evt, err := c.codec.ParseLine(line)
	if err != nil {
		c.errors.Handle("codec.parseLine", err)
		return
	}
	if evt != nil {
		c.events.Dispatch(evt)
		c.runtime.HandleEvent(evt)
		return
	}
	if batch != nil {
		c.waiters.RespondNext(batch)
	}
}

// handleEOS runs the first time the Transport reports end of stream:
// it flushes the codec's partial state and triggers a full Destroy,
// since an I/O error or tor-initiated disconnect ends the whole
// controller, not just one in-flight job.
func (c *Controller) handleEOS() {
	c.codec.FlushEOS()
	go c.Destroy()
}

// Enqueue submits cmd for dispatch and returns its Job handle. For
// CmdOnionServiceAdd/CmdOnionClientAuthAdd whose
// DestroyKeyOnJobCompletion flag is set, a completion callback zeroes
// the key material once the job reaches a terminal state.
func (c *Controller) Enqueue(cmd Command, onSuccess func(interface{}), onFailure func(error)) *Job {
	job := c.queue.Enqueue(cmd, onSuccess, onFailure)

	switch v := cmd.(type) {
	case CmdOnionServiceAdd:
		if v.DestroyKeyOnJobCompletion && len(v.KeyBlob) > 0 {
			job.InvokeOnCompletion(func(JobState) {
				for i := range v.KeyBlob {
					v.KeyBlob[i] = 0
				}
			})
		}
	case CmdOnionClientAuthAdd:
		if v.DestroyKeyOnJobCompletion && len(v.PrivateKeyB64) > 0 {
			job.InvokeOnCompletion(func(JobState) {
				for i := range v.PrivateKeyB64 {
					v.PrivateKeyB64[i] = 0
				}
			})
		}
	}

	return job
}

// rawSetEventsCommand is an internal Command variant for SETEVENTS,
// kept out of command.go's public surface since callers drive it only
// through SetEvents, which enforces the required-event union.
type rawSetEventsCommand struct {
	kinds []EventKind
}

func (rawSetEventsCommand) commandKeyword() string { return "SETEVENTS" }
func (rawSetEventsCommand) Privileged() bool       { return false }

// SetEvents issues SETEVENTS for requested, transparently unioned with
// the always-subscribed required set (NOTICE, CONF_CHANGED).
func (c *Controller) SetEvents(requested []EventKind, onSuccess func(interface{}), onFailure func(error)) *Job {
	kinds := unionRequiredEvents(requested)
	return c.Enqueue(rawSetEventsCommand{kinds: kinds}, onSuccess, onFailure)
}

// Subscribe adds an event Observer and returns an unsubscribe func.
func (c *Controller) Subscribe(obs *Observer) func() {
	return c.events.Subscribe(obs)
}

// ClearObservers removes every non-static Observer.
func (c *Controller) ClearObservers() {
	c.events.ClearObservers()
}

// RuntimeState returns the currently derived TorState.
func (c *Controller) RuntimeState() TorState {
	return c.runtime.State()
}

// OnReady, OnTorState, OnListeners delegate to the RuntimeStateManager.
func (c *Controller) OnReady(fn func())                 { c.runtime.OnReady(fn) }
func (c *Controller) OnTorState(fn func(TorState))       { c.runtime.OnState(fn) }
func (c *Controller) OnListeners(fn func(*TorListeners)) { c.runtime.OnListeners(fn) }

// NetworkProbe returns the controller's connectivity probe
// collaborator.
func (c *Controller) NetworkProbe() NetworkProbe {
	return c.probe
}

// onDestroy registers fn to run exactly once during Destroy, after the
// transport/waiters/dispatcher/queue have all been torn down. It is
// unexported because TempCommandQueue.Attach is the only caller that
// needs to hook in before the public API would normally allow it.
func (c *Controller) onDestroy(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDestroyCallbacks = append(c.onDestroyCallbacks, fn)
}

// OnDestroy registers fn to run exactly once when Destroy completes.
func (c *Controller) OnDestroy(fn func()) {
	c.onDestroy(fn)
}

// IsDestroyed reports whether Destroy has been called. It turns true
// as soon as Destroy starts, before the teardown steps have finished.
func (c *Controller) IsDestroyed() bool {
	return c.State() == ControllerDestroyed
}

// Destroy tears the controller down in order: close the transport,
// destroy the waiter registry, stop the dispatcher's task tree, drain
// the command queue, then invoke every onDestroy callback exactly
// once. Faults at each step are aggregated rather than stopping the
// teardown partway through. Destroy is idempotent.
func (c *Controller) Destroy() {
	prev := atomic.SwapInt32(&c.state, int32(ControllerDestroyed))
	if ControllerState(prev) == ControllerDestroyed {
		return
	}

	if c.fingerprint != "" {
		globalRegistry.unregister(c.fingerprint, c)
	}

	c.errors.Suppress("controller.destroy", func() {
		if err := c.transport.Close(); err != nil {
			c.errors.Handle("controller.destroy.transport", err)
		}
	})

	c.waiters.Destroy()
	c.dispatcher.Stop()
	c.queue.Destroy()
	c.cancel()

	c.mu.Lock()
	callbacks := c.onDestroyCallbacks
	c.onDestroyCallbacks = nil
	c.mu.Unlock()

	c.errors.Suppress("controller.destroy.callbacks", func() {
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Cancel is an alias for Destroy for callers that think of the
// controller in terms of its context rather than its lifecycle:
// cancelling the controller cancels every outstanding job.
func (c *Controller) Cancel() {
	c.Destroy()
}

// --- Authentication ---

// Authenticate drives CmdAuthenticate for the Null/Password/Cookie
// methods, where the caller already has the relevant secret in hand.
// For SAFECOOKIE, use ConnectSafeCookie, which additionally runs the
// AUTHCHALLENGE round trip before calling this.
func (c *Controller) Authenticate(ctx context.Context, method AuthMethod, secret []byte) error {
	done := make(chan error, 1)
	c.Enqueue(CmdAuthenticate{Method: method, Secret: secret},
		func(interface{}) { done <- nil },
		func(err error) { done <- err },
	)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rawProtocolInfoCommand requests the PROTOCOLINFO banner: supported
// auth methods, cookie file path, and daemon version.
type rawProtocolInfoCommand struct{}

func (rawProtocolInfoCommand) commandKeyword() string { return "PROTOCOLINFO" }
func (rawProtocolInfoCommand) Privileged() bool       { return true }

// ProtocolInfoResult is the parsed PROTOCOLINFO reply.
type ProtocolInfoResult struct {
	AuthMethods    []string
	CookieFilePath string
	Version        string
}

// ProtocolInfo sends PROTOCOLINFO and parses the auth methods, cookie
// file path, and tor version out of the reply.
func (c *Controller) ProtocolInfo(ctx context.Context) (*ProtocolInfoResult, error) {
	resultCh := make(chan *rawKeyValueResult, 1)
	errCh := make(chan error, 1)

	c.Enqueue(rawProtocolInfoCommand{},
		func(res interface{}) { resultCh <- res.(*rawKeyValueResult) },
		func(err error) { errCh <- err },
	)

	select {
	case res := <-resultCh:
		methods, ok := res.values["METHODS"]
		if !ok {
			return nil, errors.New("tor: auth methods not found in PROTOCOLINFO reply")
		}
		cookieFile, ok := res.values["COOKIEFILE"]
		if !ok {
			return nil, errors.New("tor: cookie file path not found in PROTOCOLINFO reply")
		}
		version, ok := res.values["Tor"]
		if !ok {
			return nil, errors.New("tor: version not found in PROTOCOLINFO reply")
		}
		c.version = strings.Trim(version, `"`)
		return &ProtocolInfoResult{
			AuthMethods:    strings.Split(methods, ","),
			CookieFilePath: strings.Trim(cookieFile, `"`),
			Version:        c.version,
		}, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// authChallengeCommand issues AUTHCHALLENGE SAFECOOKIE with a freshly
// generated client nonce.
type authChallengeCommand struct {
	clientNonce []byte
}

func (authChallengeCommand) commandKeyword() string { return "AUTHCHALLENGE" }
func (authChallengeCommand) Privileged() bool       { return true }

func (c *Controller) authChallenge(ctx context.Context, clientNonce []byte) (serverHash, serverNonce []byte, err error) {
	resultCh := make(chan *rawKeyValueResult, 1)
	errCh := make(chan error, 1)

	c.Enqueue(authChallengeCommand{clientNonce: clientNonce},
		func(res interface{}) { resultCh <- res.(*rawKeyValueResult) },
		func(err error) { errCh <- err },
	)

	select {
	case res := <-resultCh:
		shHex, ok := res.values["SERVERHASH"]
		if !ok {
			return nil, nil, errors.New("tor: server hash not found in AUTHCHALLENGE reply")
		}
		sh, err := hex.DecodeString(shHex)
		if err != nil || len(sh) != sha256.Size {
			return nil, nil, errors.New("tor: invalid server hash in AUTHCHALLENGE reply")
		}
		snHex, ok := res.values["SERVERNONCE"]
		if !ok {
			return nil, nil, errors.New("tor: server nonce not found in AUTHCHALLENGE reply")
		}
		sn, err := hex.DecodeString(snHex)
		if err != nil || len(sn) != nonceLen {
			return nil, nil, errors.New("tor: invalid server nonce in AUTHCHALLENGE reply")
		}
		return sh, sn, nil
	case err := <-errCh:
		return nil, nil, err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// ConnectSafeCookie performs the full SAFECOOKIE handshake:
// PROTOCOLINFO to fetch the cookie path and confirm SAFECOOKIE
// support, AUTHCHALLENGE with a fresh client nonce, verifying the
// server's HMAC, then AUTHENTICATE with the controller's own HMAC,
// all driven through the Job/Command pipeline instead of a bespoke
// synchronous send/receive call.
func (c *Controller) ConnectSafeCookie(ctx context.Context) error {
	info, err := c.ProtocolInfo(ctx)
	if err != nil {
		return fmt.Errorf("tor: unable to retrieve protocolinfo: %w", err)
	}

	safeCookie := false
	for _, m := range info.AuthMethods {
		if m == "SAFECOOKIE" {
			safeCookie = true
		}
	}
	if !safeCookie {
		return errors.New("tor: server is not configured for SAFECOOKIE authentication")
	}

	cookie, err := os.ReadFile(info.CookieFilePath)
	if err != nil {
		return fmt.Errorf("tor: unable to read auth cookie: %w", err)
	}
	if len(cookie) != cookieLen {
		return errors.New("tor: invalid authentication cookie length")
	}

	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return fmt.Errorf("tor: unable to generate client nonce: %w", err)
	}

	serverHash, serverNonce, err := c.authChallenge(ctx, clientNonce)
	if err != nil {
		return err
	}

	hmacMessage := bytes.Join([][]byte{cookie, clientNonce, serverNonce}, nil)
	computedServerHash := computeHMAC256(serverKey, hmacMessage)
	if !hmac.Equal(computedServerHash, serverHash) {
		return fmt.Errorf("tor: expected server hash %x, got %x", serverHash, computedServerHash)
	}

	clientHash := computeHMAC256(controllerKey, hmacMessage)
	return c.Authenticate(ctx, AuthSafeCookie, clientHash)
}

func computeHMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// supportsV3 reports whether version meets MinTorVersion, the
// minimum daemon version validated for v3 onion service support.
func supportsV3(version string) error {
	requiredParts := strings.Split(MinTorVersion, ".")
	parts := strings.Split(version, ".")
	if len(parts) != 4 {
		return errors.New("tor: version string is not of the format major.minor.revision.build")
	}
	build := strings.Split(parts[len(parts)-1], "-")
	parts[len(parts)-1] = build[0]

	for i := range parts {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return err
		}
		requiredN, err := strconv.Atoi(requiredParts[i])
		if err != nil {
			return err
		}
		if n > requiredN {
			return nil
		}
		if n < requiredN {
			return fmt.Errorf("tor: version %v below minimum supported %v", version, MinTorVersion)
		}
	}
	return nil
}

// Version reports the tor version discovered via ProtocolInfo/
// ConnectSafeCookie, or "" if neither has run yet.
func (c *Controller) Version() string {
	return c.version
}
