package tor

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DaemonPhase is the daemon half of TorState.
type DaemonPhase int

const (
	DaemonOff DaemonPhase = iota
	DaemonStarting
	DaemonOn
	DaemonStopping
)

func (p DaemonPhase) String() string {
	switch p {
	case DaemonOff:
		return "Off"
	case DaemonStarting:
		return "Starting"
	case DaemonOn:
		return "On"
	case DaemonStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// NetworkPhase is the network half of TorState.
type NetworkPhase int

const (
	NetworkDisabled NetworkPhase = iota
	NetworkEnabled
)

// TorState is the derived daemon x network state, plus the
// convenience IsReady flag.
type TorState struct {
	Daemon           DaemonPhase
	BootstrapPercent int // only meaningful when Daemon == DaemonOn
	Network          NetworkPhase
}

// IsReady reports whether tor has finished bootstrapping and has
// networking enabled.
func (s TorState) IsReady() bool {
	return s.Daemon == DaemonOn && s.BootstrapPercent == 100 && s.Network == NetworkEnabled
}

// TorListeners is the five-set listener inventory derived incrementally
// from NOTICE events.
type TorListeners struct {
	DNS       map[string]struct{}
	HTTP      map[string]struct{}
	Socks     map[string]struct{}
	SocksUnix map[string]struct{}
	Trans     map[string]struct{}
}

func newTorListeners() *TorListeners {
	return &TorListeners{
		DNS:       make(map[string]struct{}),
		HTTP:      make(map[string]struct{}),
		Socks:     make(map[string]struct{}),
		SocksUnix: make(map[string]struct{}),
		Trans:     make(map[string]struct{}),
	}
}

func (l *TorListeners) clone() *TorListeners {
	out := newTorListeners()
	copySet := func(dst, src map[string]struct{}) {
		for k := range src {
			dst[k] = struct{}{}
		}
	}
	copySet(out.DNS, l.DNS)
	copySet(out.HTTP, l.HTTP)
	copySet(out.Socks, l.Socks)
	copySet(out.SocksUnix, l.SocksUnix)
	copySet(out.Trans, l.Trans)
	return out
}

func (l *TorListeners) set(kind string) map[string]struct{} {
	switch strings.ToUpper(kind) {
	case "DNS":
		return l.DNS
	case "HTTP", "HTTP TUNNEL":
		return l.HTTP
	case "SOCKS":
		return l.Socks
	case "SOCKS (UNIX)":
		return l.SocksUnix
	case "TRANS":
		return l.Trans
	default:
		return nil
	}
}

// listenerNoticeRe matches the notice prose tor emits when a listener
// opens or closes, e.g. "Opened Socks listener connection (ready) on
// 127.0.0.1:9050" or "Closed SOCKS listener on 127.0.0.1:9050". Tor's
// own wording varies across versions, so this matches the shape of
// both the "Opened"/"Closed" and "listener ... on ADDR" variants
// rather than one exact phrasing.
var listenerNoticeRe = regexp.MustCompile(`(?i)^(Opened|Closed) (DNS|HTTP Tunnel|HTTP|SOCKS|Trans|Unix) listener(?: connection \(ready\))? on (\S+)$`)

// bootstrapRe extracts the PROGRESS field from a Bootstrapped NOTICE,
// e.g. 'Bootstrapped 45% (conn_done): Connected...'.
var bootstrapRe = regexp.MustCompile(`^Bootstrapped (\d{1,3})%`)

// RuntimeStateManager derives TorState and TorListeners from
// Controller lifecycle events and the NOTICE/CONF_CHANGED event stream.
type RuntimeStateManager struct {
	mu sync.Mutex

	state     TorState
	listeners *TorListeners

	readyFired bool

	onState     []func(TorState)
	onListeners []func(*TorListeners)
	onReady     []func()

	coalesceDelay time.Duration
	coalesceTimer *time.Timer

	now func() time.Time
}

// NewRuntimeStateManager returns a manager in the Off/Disabled state.
func NewRuntimeStateManager() *RuntimeStateManager {
	return &RuntimeStateManager{
		listeners:     newTorListeners(),
		coalesceDelay: 100 * time.Millisecond,
		now:           time.Now,
	}
}

// OnState subscribes to every TorState transition.
func (m *RuntimeStateManager) OnState(fn func(TorState)) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

// OnListeners subscribes to coalesced TorListeners updates.
func (m *RuntimeStateManager) OnListeners(fn func(*TorListeners)) {
	m.mu.Lock()
	m.onListeners = append(m.onListeners, fn)
	m.mu.Unlock()
}

// OnReady subscribes to the single "bootstrap complete" notification
// (Bootstrapped 100% paired with Network.Enabled=1).
func (m *RuntimeStateManager) OnReady(fn func()) {
	m.mu.Lock()
	m.onReady = append(m.onReady, fn)
	m.mu.Unlock()
}

// State returns the current derived TorState.
func (m *RuntimeStateManager) State() TorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Listeners returns a snapshot of the currently known listener
// addresses, for callers (e.g. NetworkProbe) that need the live set on
// demand rather than via OnListeners' coalesced push.
func (m *RuntimeStateManager) Listeners() *TorListeners {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners.clone()
}

// HandleEvent feeds one async event into the state machine. Only
// NOTICE and CONF_CHANGED are consumed; other kinds are ignored.
func (m *RuntimeStateManager) HandleEvent(evt *AsyncEvent) {
	switch evt.Kind {
	case EventNotice:
		m.handleNotice(evt.Message)
	case EventConfChanged:
		// CONF_CHANGED carries torrc deltas; the state manager only
		// needs to know a change happened in case it affects the
		// network/bootstrap view reported on the next NOTICE, so no
		// direct state transition is derived here.
	}
}

func (m *RuntimeStateManager) handleNotice(message string) {
	if bm := bootstrapRe.FindStringSubmatch(message); bm != nil {
		pct, _ := strconv.Atoi(bm[1])
		m.transitionBootstrap(pct)
		return
	}

	if strings.HasPrefix(message, "Starting with guard context") ||
		strings.Contains(message, "Delaying directory fetches") {
		m.transitionDaemon(DaemonStarting)
		return
	}

	if strings.Contains(message, "Tor is shutting down") ||
		strings.Contains(message, "Catching signal") {
		m.transitionDaemon(DaemonStopping)
		return
	}

	if strings.Contains(message, "Network is disabled") {
		m.setNetwork(NetworkDisabled)
		return
	}
	if strings.Contains(message, "Network is enabled") {
		m.setNetwork(NetworkEnabled)
		return
	}

	if lm := listenerNoticeRe.FindStringSubmatch(message); lm != nil {
		m.handleListenerNotice(lm[1], lm[2], lm[3])
		return
	}
}

// transitionDaemon applies the Off<->Starting->On<->Stopping->Off
// DAG, silently dropping illegal jumps.
func (m *RuntimeStateManager) transitionDaemon(next DaemonPhase) {
	m.mu.Lock()
	cur := m.state.Daemon
	legal := false
	switch cur {
	case DaemonOff:
		legal = next == DaemonStarting
	case DaemonStarting:
		legal = next == DaemonOn || next == DaemonOff
	case DaemonOn:
		legal = next == DaemonStopping
	case DaemonStopping:
		legal = next == DaemonOff || next == DaemonOn
	}
	if !legal {
		m.mu.Unlock()
		return
	}
	m.state.Daemon = next
	if next != DaemonOn {
		m.state.BootstrapPercent = 0
	}
	if next == DaemonOff || next == DaemonStopping {
		m.armReady(false)
		m.resetListenersLocked()
	}
	snapshot := m.state
	m.mu.Unlock()
	m.fireState(snapshot)
}

func (m *RuntimeStateManager) transitionBootstrap(pct int) {
	m.mu.Lock()
	if m.state.Daemon != DaemonStarting && m.state.Daemon != DaemonOn {
		// A Bootstrapped line before Starting is out of order; treat
		// it as the implicit Starting transition the daemon skipped
		// announcing.
		m.state.Daemon = DaemonStarting
	}
	if pct >= 100 {
		m.state.Daemon = DaemonOn
	}
	m.state.BootstrapPercent = pct
	if pct < 100 {
		m.armReady(false)
	}
	snapshot := m.state
	fireReady := pct == 100 && snapshot.Network == NetworkEnabled && !m.readyFiredLocked()
	if fireReady {
		m.readyFired = true
	}
	m.mu.Unlock()

	m.fireState(snapshot)
	if fireReady {
		m.fireReady()
	}
}

func (m *RuntimeStateManager) setNetwork(phase NetworkPhase) {
	m.mu.Lock()
	m.state.Network = phase
	if phase == NetworkDisabled {
		m.armReady(false)
		m.resetListenersLocked()
	}
	snapshot := m.state
	fireReady := phase == NetworkEnabled && snapshot.Daemon == DaemonOn &&
		snapshot.BootstrapPercent == 100 && !m.readyFiredLocked()
	if fireReady {
		m.readyFired = true
	}
	m.mu.Unlock()

	m.fireState(snapshot)
	if fireReady {
		m.fireReady()
	}
}

// armReady must be called with m.mu held; it resets the ready latch so
// a subsequent 100%/Enabled combination re-arms the notification.
func (m *RuntimeStateManager) armReady(fired bool) {
	m.readyFired = fired
}

func (m *RuntimeStateManager) readyFiredLocked() bool {
	return m.readyFired
}

func (m *RuntimeStateManager) fireState(state TorState) {
	m.mu.Lock()
	subs := append([]func(TorState){}, m.onState...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (m *RuntimeStateManager) fireReady() {
	m.mu.Lock()
	subs := append([]func(){}, m.onReady...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (m *RuntimeStateManager) handleListenerNotice(action, kind, addr string) {
	m.mu.Lock()
	set := m.listeners.set(kind)
	if set == nil {
		m.mu.Unlock()
		return
	}
	if strings.EqualFold(action, "Opened") {
		set[addr] = struct{}{}
	} else {
		delete(set, addr)
	}
	m.scheduleListenerDeliveryLocked()
	m.mu.Unlock()
}

// resetListenersLocked must be called with m.mu held; it empties every
// listener set and schedules a coalesced delivery of the empty sets.
func (m *RuntimeStateManager) resetListenersLocked() {
	m.listeners = newTorListeners()
	m.scheduleListenerDeliveryLocked()
}

// scheduleListenerDeliveryLocked cancels any pending delivery and
// reschedules one ~100ms out, coalescing a burst of listener NOTICEs
// into a single downstream update. Must be called with m.mu held.
func (m *RuntimeStateManager) scheduleListenerDeliveryLocked() {
	if m.coalesceTimer != nil {
		m.coalesceTimer.Stop()
	}
	m.coalesceTimer = time.AfterFunc(m.coalesceDelay, m.deliverListeners)
}

func (m *RuntimeStateManager) deliverListeners() {
	m.mu.Lock()
	snapshot := m.listeners.clone()
	subs := append([]func(*TorListeners){}, m.onListeners...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
