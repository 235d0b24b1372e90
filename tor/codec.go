package tor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	// success is the Tor Control response code representing a
	// successful request.
	success = 250

	crlf = "\r\n"
)

// redactedPlaceholder replaces any secret substring in a debug log
// line.
const redactedPlaceholder = "[scrubbed]"

// Codec turns Commands into wire bytes and wire lines back into
// Replies and async events. It is stateless except for the line
// accumulator used while parsing a single connection's stream, so one
// Codec is created per Controller (see NewCodec).
type Codec struct {
	// partial accumulates a reply batch across continuation lines
	// until its terminator ("CODE SP ...") is seen.
	partial ReplyBatch

	// inBody is true between a "+KEYWORD" continuation line and its
	// terminating "." line; bodyLines accumulates the raw lines seen
	// in between.
	inBody    bool
	bodyLines []string
}

// NewCodec returns a ready-to-use Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode renders cmd as the bytes that must be written to the
// Transport. The returned buffer may contain sensitive material (hex
// secrets, private keys); callers MUST call Scrub(buf) once it has
// been written and is no longer needed.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	switch v := cmd.(type) {
	case CmdAuthenticate:
		return encodeAuthenticate(v), nil
	case CmdConfigGet:
		return encodeLine("GETCONF", v.Keys...), nil
	case CmdConfigSet:
		return encodeConfigSet(v), nil
	case CmdConfigLoad:
		return encodeMultiline("LOADCONF", v.Text), nil
	case CmdConfigReset:
		return encodeLine("RESETCONF", v.Keys...), nil
	case CmdConfigSave:
		if v.Force {
			return encodeLine("SAVECONF", "FORCE"), nil
		}
		return encodeLine("SAVECONF"), nil
	case CmdDropGuards:
		return encodeLine("DROPGUARDS"), nil
	case CmdHiddenServiceFetch:
		return encodeLine("HSFETCH", v.Address), nil
	case CmdHiddenServiceAdd:
		return encodeMultiline("HSPOST", v.Descriptor), nil
	case CmdHiddenServiceDelete:
		return encodeLine("HSFORGET", v.Address), nil
	case CmdInfoGet:
		return encodeLine("GETINFO", v.Keys...), nil
	case CmdMapAddress:
		return encodeMapAddress(v), nil
	case CmdOnionServiceAdd:
		return encodeOnionServiceAdd(v)
	case CmdOnionServiceDelete:
		return encodeLine("DEL_ONION", v.ServiceID), nil
	case CmdOnionClientAuthAdd:
		return encodeOnionClientAuthAdd(v), nil
	case CmdOnionClientAuthRemove:
		return encodeLine("ONION_CLIENT_AUTH_REMOVE", v.ServiceID), nil
	case CmdOnionClientAuthView:
		if v.ServiceID == "" {
			return encodeLine("ONION_CLIENT_AUTH_VIEW"), nil
		}
		return encodeLine("ONION_CLIENT_AUTH_VIEW", v.ServiceID), nil
	case CmdOwnershipTake:
		return encodeLine("TAKEOWNERSHIP"), nil
	case CmdOwnershipDrop:
		return encodeLine("RESETCONF", "__OwningControllerProcess"), nil
	case CmdResolve:
		if err := validateResolveTarget(v.Address); err != nil {
			return nil, err
		}
		if v.Reverse {
			return encodeLine("RESOLVE", "mode=reverse", v.Address), nil
		}
		return encodeLine("RESOLVE", v.Address), nil
	case CmdSignal:
		return encodeLine("SIGNAL", string(v.Signal)), nil
	case rawProtocolInfoCommand:
		return encodeLine("PROTOCOLINFO", strconv.Itoa(protocolInfoVersion)), nil
	case authChallengeCommand:
		return encodeLine("AUTHCHALLENGE", "SAFECOOKIE", hex.EncodeToString(v.clientNonce)), nil
	case rawSetEventsCommand:
		return encodeSetEvents(v.kinds), nil
	default:
		return nil, fmt.Errorf("tor: no encoder registered for %T", cmd)
	}
}

// validateResolveTarget rejects hostnames RESOLVE could never resolve
// before they reach the wire, using miekg/dns's name grammar rather
// than hand-rolling one.
func validateResolveTarget(address string) error {
	if address == "" {
		return fmt.Errorf("tor: RESOLVE requires a non-empty address")
	}
	// Names without a dot (e.g. IPv6 literals) and in-addr.arpa reverse
	// names skip the check; every other target, dotted IPv4 literals
	// included, must pass dns.IsDomainName.
	if strings.Contains(address, ".") && !strings.HasSuffix(address, ".in-addr.arpa") {
		if !dns.IsDomainName(address) {
			return fmt.Errorf("tor: %q is not a valid domain name", address)
		}
	}
	return nil
}

// Scrub overwrites buf with spaces so that sensitive payloads (keys,
// hex secrets) do not linger in memory after a command has been
// written.
func Scrub(buf []byte) {
	for i := range buf {
		buf[i] = ' '
	}
}

func encodeLine(keyword string, args ...string) []byte {
	var b strings.Builder
	b.WriteString(keyword)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteString(crlf)
	return []byte(b.String())
}

func encodeMultiline(keyword, body string) []byte {
	var b strings.Builder
	b.WriteByte('+')
	b.WriteString(keyword)
	b.WriteString(crlf)
	for _, line := range strings.Split(body, "\n") {
		// Every line starting with "." is dot-stuffed so that a lone
		// "." isn't mistaken for the terminator.
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		b.WriteString(line)
		b.WriteString(crlf)
	}
	b.WriteString("." + crlf)
	return []byte(b.String())
}

func encodeAuthenticate(cmd CmdAuthenticate) []byte {
	switch cmd.Method {
	case AuthNull:
		return encodeLine("AUTHENTICATE")
	default:
		return encodeLine("AUTHENTICATE", hex.EncodeToString(cmd.Secret))
	}
}

func encodeConfigSet(cmd CmdConfigSet) []byte {
	var b strings.Builder
	b.WriteString("SETCONF")
	for _, s := range cmd.Settings {
		for _, v := range s.Values {
			b.WriteByte(' ')
			b.WriteString(s.Key)
			b.WriteByte('=')
			b.WriteString(quoteConfigValue(v))
		}
		if len(s.Values) == 0 {
			b.WriteByte(' ')
			b.WriteString(s.Key)
		}
	}
	b.WriteString(crlf)
	return []byte(b.String())
}

// quoteConfigValue renders a SETCONF value. A value containing
// whitespace or a double quote is wrapped in double quotes, with its
// backslashes doubled (e.g. Windows paths) and its quotes
// backslash-escaped. Any other value, a Windows path without spaces
// included, is written unquoted and unchanged.
func quoteConfigValue(v string) string {
	if !strings.ContainsAny(v, " \t\"") {
		return v
	}
	escaped := strings.ReplaceAll(v, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func encodeMapAddress(cmd CmdMapAddress) []byte {
	var b strings.Builder
	b.WriteString("MAPADDRESS")
	for from, to := range cmd.Mappings {
		b.WriteByte(' ')
		b.WriteString(from)
		b.WriteByte('=')
		b.WriteString(to)
	}
	b.WriteString(crlf)
	return []byte(b.String())
}

func encodeOnionServiceAdd(cmd CmdOnionServiceAdd) ([]byte, error) {
	var keyParam string
	switch cmd.KeyType {
	case OnionKeyNewED25519V3:
		keyParam = "NEW:ED25519-V3"
	case OnionKeyNewRSA1024:
		keyParam = "NEW:RSA1024"
	case OnionKeyED25519V3:
		keyParam = "ED25519-V3:" + string(cmd.KeyBlob)
	case OnionKeyRSA1024:
		keyParam = "RSA1024:" + string(cmd.KeyBlob)
	default:
		return nil, fmt.Errorf("tor: unknown onion key type %v", cmd.KeyType)
	}

	var b strings.Builder
	b.WriteString("ADD_ONION ")
	b.WriteString(keyParam)

	if len(cmd.Flags) > 0 {
		b.WriteString(" Flags=")
		b.WriteString(strings.Join(cmd.Flags, ","))
	}
	if cmd.MaxStreams > 0 {
		fmt.Fprintf(&b, " MaxStreams=%d", cmd.MaxStreams)
	}
	for _, p := range cmd.Ports {
		b.WriteString(" Port=")
		fmt.Fprintf(&b, "%d,%s", p.VirtualPort, stripUnixTargetQuotes(p.Target))
	}
	for _, key := range cmd.ClientAuthV3 {
		b.WriteString(" ClientAuthV3=")
		b.WriteString(key)
	}
	b.WriteString(crlf)
	return []byte(b.String()), nil
}

// stripUnixTargetQuotes removes surrounding quotes from a "unix:"
// target. Tor's own line parser for ADD_ONION requires the unix
// socket path to appear without quotes or embedded spaces.
func stripUnixTargetQuotes(target string) string {
	if !strings.HasPrefix(target, "unix:") {
		return target
	}
	path := strings.TrimPrefix(target, "unix:")
	path = strings.Trim(path, `"`)
	return "unix:" + path
}

func encodeOnionClientAuthAdd(cmd CmdOnionClientAuthAdd) []byte {
	var b strings.Builder
	b.WriteString("ONION_CLIENT_AUTH_ADD ")
	b.WriteString(cmd.ServiceID)
	b.WriteByte(' ')
	b.Write(cmd.PrivateKeyB64)
	if cmd.Nickname != "" {
		b.WriteString(" ClientName=")
		b.WriteString(cmd.Nickname)
	}
	b.WriteString(crlf)
	return []byte(b.String())
}

// Redact returns a copy of line with any AUTHENTICATE hex secret or
// ADD_ONION private-key blob replaced by a placeholder, for use in
// debug log output.
func Redact(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	switch fields[0] {
	case "AUTHENTICATE":
		if len(fields) > 1 {
			return "AUTHENTICATE " + redactedPlaceholder
		}
	case "ADD_ONION":
		for i, f := range fields {
			if strings.HasPrefix(f, "RSA1024:") || strings.HasPrefix(f, "ED25519-V3:") {
				fields[i] = strings.SplitN(f, ":", 2)[0] + ":" + redactedPlaceholder
			}
		}
		return strings.Join(fields, " ")
	case "ONION_CLIENT_AUTH_ADD":
		if len(fields) > 2 {
			fields[2] = redactedPlaceholder
		}
		return strings.Join(fields, " ")
	}
	return line
}

// ParseLine consumes one line read from the Transport (without its
// trailing CRLF) and either returns a completed ReplyBatch (when the
// line terminates one), a non-nil AsyncEvent (when the line is a 6xx
// async notification), or neither (more lines needed for this batch).
//
// Only one of the two return values is ever non-nil.
func (c *Codec) ParseLine(line string) (ReplyBatch, *AsyncEvent, error) {
	if c.inBody {
		if line == "." {
			c.inBody = false
			last := &c.partial[len(c.partial)-1]
			last.Message = last.Message + "\n" + strings.Join(unstuffDotLines(c.bodyLines), "\n")
			c.bodyLines = nil
			return nil, nil, nil
		}
		c.bodyLines = append(c.bodyLines, line)
		return nil, nil, nil
	}

	code, sep, message, err := splitReplyLine(line)
	if err != nil {
		return nil, nil, err
	}

	if code/100 == 6 {
		return nil, parseAsyncEvent(message), nil
	}

	c.partial = append(c.partial, Reply{Code: code, Message: message})

	switch sep {
	case '+':
		c.inBody = true
		return nil, nil, nil
	case ' ':
		batch := c.partial
		c.partial = nil
		return batch, nil, nil
	default: // '-'
		return nil, nil, nil
	}
}

// unstuffDotLines reverses the dot-stuffing encodeMultiline applies to
// any body line that itself starts with ".".
func unstuffDotLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		if strings.HasPrefix(l, "..") {
			out[i] = l[1:]
		} else {
			out[i] = l
		}
	}
	return out
}

// FlushEOS is called once when the Transport reaches end of stream. It
// discards whatever partial batch had been accumulated; any Job still
// waiting on that batch sees it delivered as empty, which respond
// treats as ErrInterrupted rather than a successful reply.
func (c *Codec) FlushEOS() {
	c.partial = nil
	c.inBody = false
	c.bodyLines = nil
}

// splitReplyLine parses "DDD(SP|-|+)MESSAGE".
func splitReplyLine(line string) (code int, sep byte, message string, err error) {
	if len(line) < 4 {
		return 0, 0, "", &ErrProtocol{Line: line, Reason: "line shorter than status+separator"}
	}
	code, convErr := strconv.Atoi(line[:3])
	if convErr != nil {
		return 0, 0, "", &ErrProtocol{Line: line, Reason: "status code is not numeric"}
	}
	sep = line[3]
	if sep != ' ' && sep != '-' && sep != '+' {
		return 0, 0, "", &ErrProtocol{Line: line, Reason: "unknown separator"}
	}
	return code, sep, line[4:], nil
}
