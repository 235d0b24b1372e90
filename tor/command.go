package tor

// Command is the tagged-variant family of every request this package
// can send to a tor control port. Each
// concrete type carries the minimal payload needed to encode itself;
// Codec.Encode switches over the concrete type to produce the wire
// bytes, and Privileged reports whether TempCommandQueue.Enqueue, the
// unprivileged path, must reject it.
type Command interface {
	// commandKeyword is the leading keyword of the encoded command,
	// used only for logging/diagnostics (e.g. job names).
	commandKeyword() string

	// Privileged reports whether this command may only be submitted
	// through a queue that has not been scoped down to unprivileged
	// callers.
	Privileged() bool
}

// AuthMethod enumerates the supported AUTHENTICATE mechanisms.
type AuthMethod int

const (
	// AuthNull authenticates with no credentials, for control ports
	// configured with no auth at all.
	AuthNull AuthMethod = iota

	// AuthPassword authenticates with a hex-encoded password secret.
	AuthPassword

	// AuthCookie authenticates with the hex-encoded content of tor's
	// authentication cookie file.
	AuthCookie

	// AuthSafeCookie performs the AUTHCHALLENGE/AUTHENTICATE
	// HMAC-SHA256 challenge-response. This is
	// the only method Controller.ConnectSafeCookie drives end to end; Null,
	// Password and Cookie are available as raw Commands for callers
	// who have already resolved their own secret.
	AuthSafeCookie
)

// CmdAuthenticate is the first command every connection must send.
// Secret is the raw (not hex-encoded) credential; the
// codec hex-encodes it at write time and redacts it from any debug
// log line.
type CmdAuthenticate struct {
	Method AuthMethod
	Secret []byte
}

func (CmdAuthenticate) commandKeyword() string { return "AUTHENTICATE" }
func (CmdAuthenticate) Privileged() bool       { return true }

// CmdConfigGet requests the current value of one or more torrc
// options (GETCONF).
type CmdConfigGet struct {
	Keys []string
}

func (CmdConfigGet) commandKeyword() string { return "GETCONF" }
func (CmdConfigGet) Privileged() bool       { return false }

// CmdConfigSet requests that one or more torrc options be changed for
// the lifetime of the running daemon (SETCONF). Each entry may carry
// more than one value.
type CmdConfigSet struct {
	Settings []ConfigSetting
}

// ConfigSetting is one OPTION=value(s) pair for CmdConfigSet.
type ConfigSetting struct {
	Key    string
	Values []string
}

func (CmdConfigSet) commandKeyword() string { return "SETCONF" }
func (CmdConfigSet) Privileged() bool       { return false }

// CmdConfigLoad replaces tor's entire configuration from Text, sent as
// a multi-line command body (+LOADCONF).
type CmdConfigLoad struct {
	Text string
}

func (CmdConfigLoad) commandKeyword() string { return "LOADCONF" }
func (CmdConfigLoad) Privileged() bool       { return true }

// CmdConfigReset resets one or more torrc options back to their
// default (RESETCONF).
type CmdConfigReset struct {
	Keys []string
}

func (CmdConfigReset) commandKeyword() string { return "RESETCONF" }
func (CmdConfigReset) Privileged() bool       { return false }

// CmdConfigSave asks tor to write its current configuration back to
// torrc (SAVECONF). If Force is set, SAVECONF FORCE overwrites an
// inconsistent torrc instead of refusing.
type CmdConfigSave struct {
	Force bool
}

func (CmdConfigSave) commandKeyword() string { return "SAVECONF" }
func (CmdConfigSave) Privileged() bool       { return false }

// CmdDropGuards requests that tor forget its current entry guards
// (DROPGUARDS).
type CmdDropGuards struct{}

func (CmdDropGuards) commandKeyword() string { return "DROPGUARDS" }
func (CmdDropGuards) Privileged() bool       { return true }

// CmdHiddenServiceFetch requests a v2/v3 descriptor fetch for Address
// (HSFETCH).
type CmdHiddenServiceFetch struct {
	Address string
}

func (CmdHiddenServiceFetch) commandKeyword() string { return "HSFETCH" }
func (CmdHiddenServiceFetch) Privileged() bool       { return false }

// CmdHiddenServiceAdd publishes a descriptor for an already-configured
// hidden service directory (HSPOST).
type CmdHiddenServiceAdd struct {
	Address   string
	Descriptor string
}

func (CmdHiddenServiceAdd) commandKeyword() string { return "HSPOST" }
func (CmdHiddenServiceAdd) Privileged() bool       { return false }

// CmdHiddenServiceDelete removes a previously added/fetched
// descriptor from the in-memory HS cache (equivalent admin command).
type CmdHiddenServiceDelete struct {
	Address string
}

func (CmdHiddenServiceDelete) commandKeyword() string { return "HSFORGET" }
func (CmdHiddenServiceDelete) Privileged() bool       { return false }

// CmdInfoGet requests one or more GETINFO keys.
type CmdInfoGet struct {
	Keys []string
}

func (CmdInfoGet) commandKeyword() string { return "GETINFO" }
func (CmdInfoGet) Privileged() bool       { return false }

// CmdMapAddress requests one or more address mappings (MAPADDRESS).
type CmdMapAddress struct {
	// Mappings holds "from=to" pairs, e.g. {"0.0.0.0": "torproject.org"}.
	// They are encoded in map iteration order, which is not defined.
	Mappings map[string]string
}

func (CmdMapAddress) commandKeyword() string { return "MAPADDRESS" }
func (CmdMapAddress) Privileged() bool       { return false }

// OnionKeyType enumerates the key algorithms ADD_ONION accepts.
type OnionKeyType int

const (
	// OnionKeyNewED25519V3 requests tor generate a fresh v3 key.
	OnionKeyNewED25519V3 OnionKeyType = iota
	// OnionKeyNewRSA1024 requests tor generate a fresh (legacy) v2 key.
	OnionKeyNewRSA1024
	// OnionKeyED25519V3 restores a service from an existing base64 v3 key.
	OnionKeyED25519V3
	// OnionKeyRSA1024 restores a service from an existing base64 v2 key.
	OnionKeyRSA1024
)

// OnionPortMapping is one Port=virtual,target clause of ADD_ONION.
// Target may be "unix:/path/to/socket", in
// which case the codec strips the surrounding quotes tor requires be
// absent from a path without spaces.
type OnionPortMapping struct {
	VirtualPort int
	Target      string
}

// CmdOnionServiceAdd creates or restores an ephemeral onion service
// (ADD_ONION).
type CmdOnionServiceAdd struct {
	KeyType    OnionKeyType
	// KeyBlob is the base64 key material for OnionKeyED25519V3 /
	// OnionKeyRSA1024; it is ignored for the NEW variants. Held as
	// []byte (not string) so DestroyKeyOnJobCompletion can zero it in
	// place.
	KeyBlob    []byte
	Ports      []OnionPortMapping
	Flags      []string
	MaxStreams int
	// ClientAuthV3 lists base32 client-auth public keys to restrict
	// access to (v3 only).
	ClientAuthV3 []string
	// DestroyKeyOnJobCompletion zeroes KeyBlob once the job reaches a
	// terminal state.
	DestroyKeyOnJobCompletion bool
}

func (CmdOnionServiceAdd) commandKeyword() string { return "ADD_ONION" }
func (CmdOnionServiceAdd) Privileged() bool       { return false }

// CmdOnionServiceDelete removes a previously added ephemeral onion
// service (DEL_ONION).
type CmdOnionServiceDelete struct {
	ServiceID string
}

func (CmdOnionServiceDelete) commandKeyword() string { return "DEL_ONION" }
func (CmdOnionServiceDelete) Privileged() bool       { return false }

// CmdOnionClientAuthAdd installs a client-auth key for a v3 service
// (ONION_CLIENT_AUTH_ADD).
type CmdOnionClientAuthAdd struct {
	ServiceID                 string
	PrivateKeyB64             []byte
	Nickname                  string
	DestroyKeyOnJobCompletion bool
}

func (CmdOnionClientAuthAdd) commandKeyword() string { return "ONION_CLIENT_AUTH_ADD" }
func (CmdOnionClientAuthAdd) Privileged() bool       { return false }

// CmdOnionClientAuthRemove removes a client-auth key
// (ONION_CLIENT_AUTH_REMOVE).
type CmdOnionClientAuthRemove struct {
	ServiceID string
}

func (CmdOnionClientAuthRemove) commandKeyword() string { return "ONION_CLIENT_AUTH_REMOVE" }
func (CmdOnionClientAuthRemove) Privileged() bool       { return false }

// CmdOnionClientAuthView lists installed client-auth keys, optionally
// scoped to one service (ONION_CLIENT_AUTH_VIEW).
type CmdOnionClientAuthView struct {
	ServiceID string // empty lists all
}

func (CmdOnionClientAuthView) commandKeyword() string { return "ONION_CLIENT_AUTH_VIEW" }
func (CmdOnionClientAuthView) Privileged() bool       { return false }

// CmdOwnershipTake makes this controller connection tor's owning
// controller, so tor exits when the connection closes
// (TAKEOWNERSHIP).
type CmdOwnershipTake struct{}

func (CmdOwnershipTake) commandKeyword() string { return "TAKEOWNERSHIP" }
func (CmdOwnershipTake) Privileged() bool       { return true }

// CmdOwnershipDrop releases ownership taken by CmdOwnershipTake. Tor
// has no literal DROPOWNERSHIP verb; the codec encodes this as
// "RESETCONF __OwningControllerProcess", the documented way to
// relinquish ownership.
type CmdOwnershipDrop struct{}

func (CmdOwnershipDrop) commandKeyword() string { return "RESETCONF" }
func (CmdOwnershipDrop) Privileged() bool       { return true }

// CmdResolve asks tor to resolve (or reverse-resolve) Address via the
// Tor network (RESOLVE).
type CmdResolve struct {
	Address string
	Reverse bool
}

func (CmdResolve) commandKeyword() string { return "RESOLVE" }
func (CmdResolve) Privileged() bool       { return false }

// Signal enumerates the SIGNAL command's NAME argument.
type Signal string

const (
	SignalDump          Signal = "DUMP"
	SignalDebug         Signal = "DEBUG"
	SignalNewNym        Signal = "NEWNYM"
	SignalClearDNSCache Signal = "CLEARDNSCACHE"
	SignalHeartbeat     Signal = "HEARTBEAT"
	SignalActive        Signal = "ACTIVE"
	SignalDormant       Signal = "DORMANT"
	SignalReload        Signal = "RELOAD"
	SignalShutdown      Signal = "SHUTDOWN"
	SignalHalt          Signal = "HALT"
)

// CmdSignal sends a process-level SIGNAL command.
type CmdSignal struct {
	Signal Signal
}

func (CmdSignal) commandKeyword() string { return "SIGNAL" }

// Privileged reports true for SHUTDOWN/HALT, which terminate the
// daemon, and false for the rest.
func (c CmdSignal) Privileged() bool {
	return c.Signal == SignalShutdown || c.Signal == SignalHalt
}

// isShutdownSignal reports whether cmd is a SIGNAL SHUTDOWN or SIGNAL
// HALT, the two commands that preempt the command queue's execute
// stack.
func isShutdownSignal(cmd Command) bool {
	sig, ok := cmd.(CmdSignal)
	return ok && (sig.Signal == SignalShutdown || sig.Signal == SignalHalt)
}
