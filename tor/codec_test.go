package tor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSimpleCommands(t *testing.T) {
	c := NewCodec()

	buf, err := c.Encode(CmdInfoGet{Keys: []string{"version", "network-status"}})
	require.NoError(t, err)
	require.Equal(t, "GETINFO version network-status\r\n", string(buf))

	buf, err = c.Encode(CmdSignal{Signal: SignalNewNym})
	require.NoError(t, err)
	require.Equal(t, "SIGNAL NEWNYM\r\n", string(buf))

	buf, err = c.Encode(CmdConfigSave{Force: true})
	require.NoError(t, err)
	require.Equal(t, "SAVECONF FORCE\r\n", string(buf))
}

func TestEncodeAuthenticate(t *testing.T) {
	c := NewCodec()

	buf, err := c.Encode(CmdAuthenticate{Method: AuthNull})
	require.NoError(t, err)
	require.Equal(t, "AUTHENTICATE\r\n", string(buf))

	buf, err = c.Encode(CmdAuthenticate{Method: AuthPassword, Secret: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, "AUTHENTICATE 6869\r\n", string(buf))
}

func TestEncodeConfigSet(t *testing.T) {
	c := NewCodec()
	buf, err := c.Encode(CmdConfigSet{Settings: []ConfigSetting{
		{Key: "SocksPort", Values: []string{"9050"}},
		{Key: "__OwningControllerProcess", Values: nil},
	}})
	require.NoError(t, err)
	require.Equal(t, "SETCONF SocksPort=9050 __OwningControllerProcess\r\n", string(buf))
}

func TestEncodeConfigSetQuotesValuesWithSpaces(t *testing.T) {
	c := NewCodec()
	buf, err := c.Encode(CmdConfigSet{Settings: []ConfigSetting{
		{Key: "Log", Values: []string{`notice file /var/log/has space.log`}},
	}})
	require.NoError(t, err)
	require.Equal(t, "SETCONF Log=\"notice file /var/log/has space.log\"\r\n", string(buf))
}

func TestEncodeOnionServiceAddNew(t *testing.T) {
	c := NewCodec()
	buf, err := c.Encode(CmdOnionServiceAdd{
		KeyType: OnionKeyNewED25519V3,
		Ports:   []OnionPortMapping{{VirtualPort: 80, Target: "127.0.0.1:8080"}},
		Flags:   []string{"Detach", "DiscardPK"},
	})
	require.NoError(t, err)
	line := string(buf)
	require.True(t, strings.HasPrefix(line, "ADD_ONION NEW:ED25519-V3"))
	require.Contains(t, line, "Flags=Detach,DiscardPK")
	require.Contains(t, line, "Port=80,127.0.0.1:8080")
}

func TestEncodeOnionServiceAddUnknownKeyType(t *testing.T) {
	c := NewCodec()
	_, err := c.Encode(CmdOnionServiceAdd{KeyType: OnionKeyType(99)})
	require.Error(t, err)
}

func TestEncodeUnknownCommand(t *testing.T) {
	c := NewCodec()
	_, err := c.Encode(struct {
		Command
	}{})
	require.Error(t, err)
}

func TestEncodeMultilineDotStuffing(t *testing.T) {
	buf := encodeMultiline("LOADCONF", "SocksPort 9050\n.weird\nControlPort 9051")
	expected := "+LOADCONF\r\nSocksPort 9050\r\n..weird\r\nControlPort 9051\r\n.\r\n"
	require.Equal(t, expected, string(buf))
}

func TestRedact(t *testing.T) {
	require.Equal(t, "AUTHENTICATE [scrubbed]", Redact("AUTHENTICATE deadbeef"))
	require.Equal(t, "AUTHENTICATE", Redact("AUTHENTICATE"))

	redacted := Redact("ADD_ONION NEW:ED25519-V3 Flags=Detach Port=80,127.0.0.1:8080")
	require.Equal(t, "ADD_ONION NEW:ED25519-V3 Flags=Detach Port=80,127.0.0.1:8080", redacted)

	redacted = Redact("ADD_ONION ED25519-V3:secretkeymaterial Flags=Detach")
	require.Equal(t, "ADD_ONION ED25519-V3:[scrubbed] Flags=Detach", redacted)

	redacted = Redact("ONION_CLIENT_AUTH_ADD abc descbase64 ClientName=alice")
	require.Equal(t, "ONION_CLIENT_AUTH_ADD abc [scrubbed] ClientName=alice", redacted)
}

func TestParseLineSingleLineSuccess(t *testing.T) {
	c := NewCodec()
	batch, evt, err := c.ParseLine("250 OK")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Equal(t, ReplyBatch{{Code: 250, Message: "OK"}}, batch)
}

func TestParseLineMultiLineBatch(t *testing.T) {
	c := NewCodec()

	batch, evt, err := c.ParseLine("250-ServiceID=abc")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Nil(t, batch)

	batch, evt, err = c.ParseLine("250 OK")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Equal(t, ReplyBatch{
		{Code: 250, Message: "ServiceID=abc"},
		{Code: 250, Message: "OK"},
	}, batch)
}

func TestParseLineAsyncEvent(t *testing.T) {
	c := NewCodec()
	batch, evt, err := c.ParseLine("650 NOTICE Bootstrapped 100%: Done")
	require.NoError(t, err)
	require.Nil(t, batch)
	require.NotNil(t, evt)
	require.Equal(t, EventNotice, evt.Kind)
	require.Equal(t, "Bootstrapped 100%: Done", evt.Message)
}

func TestParseLinePlusBodyWithDotUnstuffing(t *testing.T) {
	c := NewCodec()

	batch, evt, err := c.ParseLine("250+config-text=")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Nil(t, batch)

	_, _, err = c.ParseLine("SocksPort 9050")
	require.NoError(t, err)
	_, _, err = c.ParseLine("..leading-dot-line")
	require.NoError(t, err)
	batch, evt, err = c.ParseLine(".")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Nil(t, batch)

	batch, evt, err = c.ParseLine("250 OK")
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Len(t, batch, 2)
	require.Contains(t, batch[0].Message, "SocksPort 9050")
	require.Contains(t, batch[0].Message, ".leading-dot-line")
	require.Equal(t, "OK", batch[1].Message)
}

func TestParseLineMalformed(t *testing.T) {
	c := NewCodec()
	_, _, err := c.ParseLine("ab")
	require.Error(t, err)

	_, _, err = c.ParseLine("25x OK")
	require.Error(t, err)

	_, _, err = c.ParseLine("250?OK")
	require.Error(t, err)
}

func TestFlushEOSResetsState(t *testing.T) {
	c := NewCodec()
	_, _, err := c.ParseLine("250-partial")
	require.NoError(t, err)
	c.FlushEOS()
	require.Empty(t, c.partial)
	require.False(t, c.inBody)
}

func TestScrubOverwritesBuffer(t *testing.T) {
	buf := []byte("AUTHENTICATE deadbeef")
	Scrub(buf)
	for _, b := range buf {
		require.Equal(t, byte(' '), b)
	}
}

func TestValidateResolveTarget(t *testing.T) {
	require.NoError(t, validateResolveTarget("torproject.org"))
	require.NoError(t, validateResolveTarget("10.0.0.1"))
	require.NoError(t, validateResolveTarget("1.0.0.10.in-addr.arpa"))
	require.Error(t, validateResolveTarget(""))
}
