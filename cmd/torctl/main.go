// Command torctl is a thin, external demonstration harness around the
// tor package: it is not part of the library's own boundary (the core
// never touches a CLI, a config file, or an env var itself), but a
// convenient way to drive a running daemon from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/urfave/cli"

	"github.com/lightningnetwork/torctrl/tor"
)

// connectOpts are the flags shared by every subcommand, parsed with
// go-flags for the persistent connection flags before handing off to
// urfave/cli for command dispatch.
type connectOpts struct {
	ControlAddr string `long:"controladdr" description:"tor control port address, host:port" default:"127.0.0.1:9051"`
	ControlPath string `long:"controlsocket" description:"tor control unix socket path, overrides controladdr if set"`
	Password    string `long:"password" description:"control port password, if the daemon is configured for AuthPassword"`
}

func dial(opts connectOpts) (tor.Transport, error) {
	if opts.ControlPath != "" {
		return tor.DialUnix(opts.ControlPath)
	}
	return tor.DialTCP(opts.ControlAddr)
}

func connect(ctx context.Context, opts connectOpts) (*tor.Controller, error) {
	transport, err := dial(opts)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ctrl := tor.NewController(ctx, transport)
	ctrl.Start()

	if opts.Password != "" {
		if err := ctrl.Authenticate(ctx, tor.AuthPassword, []byte(opts.Password)); err != nil {
			ctrl.Destroy()
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		return ctrl, nil
	}

	if err := ctrl.ConnectSafeCookie(ctx); err != nil {
		ctrl.Destroy()
		return nil, fmt.Errorf("safecookie handshake: %w", err)
	}
	return ctrl, nil
}

func parseConnectOpts(args []string) (connectOpts, []string, error) {
	var opts connectOpts
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	rest, err := parser.ParseArgs(args)
	return opts, rest, err
}

func main() {
	app := cli.NewApp()
	app.Name = "torctl"
	app.Usage = "drive a running tor control port"
	app.Version = "0.1.0"
	app.Commands = []cli.Command{
		getInfoCommand,
		setEventsCommand,
		addOnionCommand,
		signalCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "torctl:", err)
		os.Exit(1)
	}
}

var getInfoCommand = cli.Command{
	Name:      "getinfo",
	Usage:     "fetch one or more GETINFO keys",
	ArgsUsage: "key [key...]",
	Action: func(c *cli.Context) error {
		opts, rest, err := parseConnectOpts(c.Args())
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			return fmt.Errorf("at least one GETINFO key is required")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ctrl, err := connect(ctx, opts)
		if err != nil {
			return err
		}
		defer ctrl.Destroy()

		done := make(chan error, 1)
		ctrl.Enqueue(tor.CmdInfoGet{Keys: rest},
			func(res interface{}) {
				info := res.(*tor.InfoResult)
				for _, k := range info.Keys {
					fmt.Printf("%s=%s\n", k, info.Values[k])
				}
				done <- nil
			},
			func(err error) { done <- err },
		)

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var setEventsCommand = cli.Command{
	Name:      "events",
	Usage:     "subscribe to events and print them until interrupted",
	ArgsUsage: "KIND [KIND...]",
	Action: func(c *cli.Context) error {
		opts, rest, err := parseConnectOpts(c.Args())
		if err != nil {
			return err
		}

		ctx := context.Background()
		ctrl, err := connect(ctx, opts)
		if err != nil {
			return err
		}
		defer ctrl.Destroy()

		kinds := make([]tor.EventKind, len(rest))
		for i, k := range rest {
			kinds[i] = tor.EventKind(strings.ToUpper(k))
		}

		setDone := make(chan error, 1)
		ctrl.SetEvents(kinds,
			func(interface{}) { setDone <- nil },
			func(err error) { setDone <- err },
		)
		if err := <-setDone; err != nil {
			return err
		}

		for _, k := range kinds {
			k := k
			ctrl.Subscribe(&tor.Observer{
				Kind: k,
				Callback: func(evt *tor.AsyncEvent) {
					fmt.Printf("%s %s\n", evt.Kind, evt.Message)
				},
			})
		}

		select {}
	},
}

var addOnionCommand = cli.Command{
	Name:      "add-onion",
	Usage:     "create a fresh v3 onion service forwarding VIRTPORT to TARGET",
	ArgsUsage: "VIRTPORT TARGET",
	Action: func(c *cli.Context) error {
		opts, rest, err := parseConnectOpts(c.Args())
		if err != nil {
			return err
		}
		if len(rest) != 2 {
			return fmt.Errorf("usage: add-onion VIRTPORT TARGET")
		}
		port, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("invalid VIRTPORT: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ctrl, err := connect(ctx, opts)
		if err != nil {
			return err
		}
		defer ctrl.Destroy()

		done := make(chan error, 1)
		ctrl.Enqueue(tor.CmdOnionServiceAdd{
			KeyType: tor.OnionKeyNewED25519V3,
			Ports:   []tor.OnionPortMapping{{VirtualPort: port, Target: rest[1]}},
		},
			func(res interface{}) {
				pair := res.(*tor.OnionKeyPair)
				fmt.Printf("ServiceID=%s\n", pair.ServiceID)
				if pair.PrivateKeyB64 != "" {
					fmt.Printf("PrivateKey=%s:%s\n", pair.PrivateKeyAlg, pair.PrivateKeyB64)
				}
				done <- nil
			},
			func(err error) { done <- err },
		)

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var signalCommand = cli.Command{
	Name:      "signal",
	Usage:     "send a SIGNAL command, e.g. NEWNYM, SHUTDOWN",
	ArgsUsage: "NAME",
	Action: func(c *cli.Context) error {
		opts, rest, err := parseConnectOpts(c.Args())
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return fmt.Errorf("usage: signal NAME")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ctrl, err := connect(ctx, opts)
		if err != nil {
			return err
		}
		defer ctrl.Destroy()

		done := make(chan error, 1)
		ctrl.Enqueue(tor.CmdSignal{Signal: tor.Signal(strings.ToUpper(rest[0]))},
			func(interface{}) { done <- nil },
			func(err error) { done <- err },
		)

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}
