package tor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, opts ...ControllerOption) (*Controller, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ctrl := NewController(context.Background(), ft, opts...)
	ctrl.Start()
	t.Cleanup(ctrl.Destroy)
	return ctrl, ft
}

func TestControllerEnqueueRoundTrip(t *testing.T) {
	ctrl, ft := newTestController(t)

	done := make(chan interface{}, 1)
	ctrl.Enqueue(CmdInfoGet{Keys: []string{"version"}}, func(r interface{}) { done <- r }, nil)

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	ft.Feed("250-version=0.4.7.1")
	ft.Feed("250 OK")

	select {
	case res := <-done:
		info := res.(*InfoResult)
		require.Equal(t, "0.4.7.1", info.Values["version"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job completion")
	}
}

func TestControllerAsyncEventRoutedToObserverAndRuntime(t *testing.T) {
	ctrl, ft := newTestController(t)

	notices := make(chan string, 1)
	ctrl.Subscribe(&Observer{
		Kind:     EventNotice,
		Callback: func(evt *AsyncEvent) { notices <- evt.Message },
	})

	ft.Feed("650 NOTICE Bootstrapped 100% (done): Done")

	select {
	case msg := <-notices:
		require.Contains(t, msg, "Bootstrapped 100%")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observer callback")
	}

	require.Eventually(t, func() bool {
		return ctrl.RuntimeState().BootstrapPercent == 100
	}, time.Second, time.Millisecond)
}

func TestControllerEOSDestroysController(t *testing.T) {
	ctrl, ft := newTestController(t)

	ft.mu.Lock()
	parser := ft.parser
	ft.mu.Unlock()
	parser("", false)

	require.Eventually(t, func() bool { return ctrl.IsDestroyed() }, time.Second, time.Millisecond)
}

func TestControllerDestroyIsIdempotentAndRunsCallbacksOnce(t *testing.T) {
	ctrl, _ := newTestController(t)

	calls := 0
	ctrl.OnDestroy(func() { calls++ })

	ctrl.Destroy()
	ctrl.Destroy()

	require.Equal(t, 1, calls)
	require.True(t, ctrl.IsDestroyed())
}

func TestControllerEnqueueAfterDestroyFails(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Destroy()

	var gotErr error
	j := ctrl.Enqueue(CmdInfoGet{Keys: []string{"version"}}, nil, func(err error) { gotErr = err })
	require.Equal(t, JobError, j.State())
	require.Error(t, gotErr)
}

func TestControllerDestroyKeyOnJobCompletionScrubsKeyBlob(t *testing.T) {
	ctrl, ft := newTestController(t)

	keyBlob := []byte("supersecretkeymaterial")
	ctrl.Enqueue(CmdOnionServiceAdd{
		KeyType:                   OnionKeyED25519V3,
		KeyBlob:                   keyBlob,
		DestroyKeyOnJobCompletion: true,
		Ports:                     []OnionPortMapping{{VirtualPort: 80, Target: "127.0.0.1:8080"}},
	}, nil, nil)

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	ft.Feed("250-ServiceID=abc")
	ft.Feed("250 OK")

	require.Eventually(t, func() bool {
		return !bytes.Contains(keyBlob, []byte("supersecret"))
	}, time.Second, time.Millisecond)
}

func TestControllerFingerprintRegistryLookup(t *testing.T) {
	ft := newFakeTransport()
	ctrl := NewController(context.Background(), ft, WithFingerprint("instance-a"))
	ctrl.Start()

	found, ok := Lookup("instance-a")
	require.True(t, ok)
	require.Same(t, ctrl, found)

	ctrl.Destroy()

	_, ok = Lookup("instance-a")
	require.False(t, ok)
}

func TestControllerSetEventsUnionsRequiredEvents(t *testing.T) {
	ctrl, ft := newTestController(t)

	ctrl.SetEvents([]EventKind{EventWarn}, nil, nil)
	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)

	line := ft.WrittenLines()[0]
	require.True(t, strings.HasPrefix(line, "SETEVENTS "))
	require.Contains(t, line, "WARN")
	require.Contains(t, line, "NOTICE")
	require.Contains(t, line, "CONF_CHANGED")
}

func TestControllerProtocolInfo(t *testing.T) {
	ctrl, ft := newTestController(t)

	resultCh := make(chan *ProtocolInfoResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := ctrl.ProtocolInfo(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "PROTOCOLINFO 1\r\n", ft.WrittenLines()[0])

	ft.Feed(`250-PROTOCOLINFO 1`)
	ft.Feed(`250-AUTH METHODS=NULL,SAFECOOKIE COOKIEFILE="/var/run/tor/control.authcookie"`)
	ft.Feed(`250-VERSION Tor="0.4.7.1"`)
	ft.Feed(`250 OK`)

	select {
	case res := <-resultCh:
		require.Equal(t, []string{"NULL", "SAFECOOKIE"}, res.AuthMethods)
		require.Equal(t, "/var/run/tor/control.authcookie", res.CookieFilePath)
		require.Equal(t, "0.4.7.1", res.Version)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for protocolinfo")
	}
}

func TestControllerConnectSafeCookieFullHandshake(t *testing.T) {
	ctrl, ft := newTestController(t)

	cookie := make([]byte, cookieLen)
	for i := range cookie {
		cookie[i] = byte(i)
	}
	cookieFile := filepath.Join(t.TempDir(), "control.authcookie")
	require.NoError(t, os.WriteFile(cookieFile, cookie, 0o600))

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.ConnectSafeCookie(context.Background())
	}()

	// Step 1: PROTOCOLINFO.
	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	ft.Feed(`250-PROTOCOLINFO 1`)
	ft.Feed(`250-AUTH METHODS=SAFECOOKIE COOKIEFILE="` + cookieFile + `"`)
	ft.Feed(`250-VERSION Tor="0.4.7.1"`)
	ft.Feed(`250 OK`)

	// Step 2: AUTHCHALLENGE.
	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 2 }, time.Second, time.Millisecond)
	authChallengeLine := ft.WrittenLines()[1]
	require.True(t, strings.HasPrefix(authChallengeLine, "AUTHCHALLENGE SAFECOOKIE "))
	clientNonceHex := strings.TrimSpace(strings.TrimPrefix(authChallengeLine, "AUTHCHALLENGE SAFECOOKIE "))
	clientNonce, err := hex.DecodeString(clientNonceHex)
	require.NoError(t, err)

	serverNonce := make([]byte, nonceLen)
	for i := range serverNonce {
		serverNonce[i] = byte(255 - i)
	}
	hmacMessage := bytes.Join([][]byte{cookie, clientNonce, serverNonce}, nil)
	serverHash := computeHMAC256(serverKey, hmacMessage)

	ft.Feed(`250 AUTHCHALLENGE SERVERHASH=` + hex.EncodeToString(serverHash) + ` SERVERNONCE=` + hex.EncodeToString(serverNonce))

	// Step 3: AUTHENTICATE with the client's own HMAC.
	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 3 }, time.Second, time.Millisecond)
	authenticateLine := ft.WrittenLines()[2]
	require.True(t, strings.HasPrefix(authenticateLine, "AUTHENTICATE "))
	clientHashHex := strings.TrimSpace(strings.TrimPrefix(authenticateLine, "AUTHENTICATE "))
	clientHash, err := hex.DecodeString(clientHashHex)
	require.NoError(t, err)
	expectedClientHash := computeHMAC256(controllerKey, hmacMessage)
	require.True(t, hmac.Equal(expectedClientHash, clientHash))

	ft.Feed(`250 OK`)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectSafeCookie to finish")
	}
}

func TestControllerConnectSafeCookieRejectsUnsupportedMethod(t *testing.T) {
	ctrl, ft := newTestController(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.ConnectSafeCookie(context.Background())
	}()

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	ft.Feed(`250-PROTOCOLINFO 1`)
	ft.Feed(`250-AUTH METHODS=NULL COOKIEFILE="/var/run/tor/control.authcookie"`)
	ft.Feed(`250-VERSION Tor="0.4.7.1"`)
	ft.Feed(`250 OK`)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectSafeCookie to reject")
	}
}

func TestSupportsV3(t *testing.T) {
	require.NoError(t, supportsV3("0.4.7.1"))
	require.NoError(t, supportsV3(MinTorVersion))
	require.Error(t, supportsV3("0.2.9.1"))
	require.Error(t, supportsV3("not-a-version"))
}

func TestComputeHMAC256(t *testing.T) {
	mac := computeHMAC256([]byte("key"), []byte("message"))
	require.Len(t, mac, sha256.Size)

	mac2 := computeHMAC256([]byte("key"), []byte("message"))
	require.Equal(t, mac, mac2)
}

func TestNewControllerDefaultsNetworkProbe(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NotNil(t, ctrl.NetworkProbe())
}

func TestWithNetworkProbeOverride(t *testing.T) {
	ft := newFakeTransport()
	probe := &stubProbe{}
	ctrl := NewController(context.Background(), ft, WithNetworkProbe(probe))
	ctrl.Start()
	t.Cleanup(ctrl.Destroy)
	require.Same(t, probe, ctrl.NetworkProbe())
}

type stubProbe struct{}

func (s *stubProbe) Probe(context.Context, string) error { return nil }

func TestWithErrorCallback(t *testing.T) {
	caught := make(chan *UncaughtException, 1)
	ft := newFakeTransport()
	ctrl := NewController(context.Background(), ft, WithErrorCallback(func(exc *UncaughtException) {
		caught <- exc
	}))
	ctrl.Start()
	defer ctrl.Destroy()

	ctrl.Enqueue(CmdInfoGet{Keys: []string{"version"}}, func(interface{}) {
		panic("boom")
	}, nil)

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	ft.Feed("250 OK")

	select {
	case exc := <-caught:
		require.Contains(t, exc.Context, "onSuccess")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for uncaught exception callback")
	}
}

func TestAuthenticateNullMethod(t *testing.T) {
	ctrl, ft := newTestController(t)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Authenticate(context.Background(), AuthNull, nil) }()

	require.Eventually(t, func() bool { return len(ft.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "AUTHENTICATE\r\n", ft.WrittenLines()[0])
	ft.Feed("250 OK")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for authenticate")
	}
}

