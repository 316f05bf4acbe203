// Command connector runs the App Connector (§2, §4.10-§4.12): the dual-mode QUIC endpoint that
// registers services with the Intermediate, accepts Direct P2P connections from Agents, and
// forwards service-routed IP traffic to local backends. CLI layout follows the same urfave/cli
// pattern as cmd/intermediate (itself adapted from cmd/cloudflared/main.go).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hfyeomans/ztna-core/connector"
	"github.com/hfyeomans/ztna-core/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "connector",
		Usage: "ztna-core app connector",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to a JSON config file."},
			&cli.StringFlag{Name: "server", Usage: "Intermediate server address, HOST:PORT."},
			&cli.StringFlag{Name: "service", Usage: "Service ID to register (single-service shorthand for --config)."},
			&cli.StringFlag{Name: "forward", Usage: "Backend address this service forwards to, HOST:PORT."},
			&cli.StringFlag{Name: "service-ip", Usage: "Virtual IP this service answers as."},
			&cli.StringFlag{Name: "p2p-cert", Usage: "Certificate used for the Connector's own QUIC identity."},
			&cli.StringFlag{Name: "p2p-key", Usage: "Key matching --p2p-cert."},
			&cli.IntFlag{Name: "p2p-listen-port", Usage: "UDP port the direct-path listener binds; 0 disables P2P."},
			&cli.StringFlag{Name: "external-ip", Usage: "Public IP of this Connector; stored in the config only, candidate gathering does not use it."},
			&cli.StringFlag{Name: "ca-cert", Usage: "CA bundle used to verify peer certificates."},
			&cli.BoolFlag{Name: "no-verify-peer", Usage: "Disable mTLS peer certificate verification."},
			&cli.IntFlag{Name: "metrics-port", Value: 9091, Usage: "Port for /metrics and /healthz; 0 disables."},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().
		Str("component", "connector").
		Str("instance", uuid.NewString()).
		Logger()

	cfg, err := config.LoadConnector(c.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	applyConnectorFlags(c, &cfg)

	srv, err := connector.New(cfg, &log)
	if err != nil {
		return cli.Exit(fmt.Errorf("connector: %w", err), 1)
	}

	log.Info().Str("intermediate", cfg.IntermediateServer).Int("services", len(cfg.Services)).Msg("starting connector")
	if err := srv.Run(context.Background()); err != nil {
		return cli.Exit(fmt.Errorf("connector: %w", err), 1)
	}
	return nil
}

func applyConnectorFlags(c *cli.Context, cfg *config.Connector) {
	if c.IsSet("server") {
		cfg.IntermediateServer = c.String("server")
	}
	if c.IsSet("service") {
		svc := config.ServiceConfig{
			ID:        c.String("service"),
			Backend:   c.String("forward"),
			VirtualIP: c.String("service-ip"),
			Protocol:  "tcp",
		}
		cfg.Services = append(cfg.Services, svc)
	}
	if c.IsSet("p2p-cert") {
		cfg.P2P.Cert = c.String("p2p-cert")
	}
	if c.IsSet("p2p-key") {
		cfg.P2P.Key = c.String("p2p-key")
	}
	if c.IsSet("p2p-listen-port") {
		cfg.P2P.ListenPort = c.Int("p2p-listen-port")
	}
	if c.IsSet("external-ip") {
		cfg.ExternalIP = c.String("external-ip")
	}
	if c.IsSet("ca-cert") {
		cfg.CACert = c.String("ca-cert")
	}
	if c.Bool("no-verify-peer") {
		cfg.VerifyPeer = false
	}
	if c.IsSet("metrics-port") {
		cfg.MetricsPort = c.Int("metrics-port")
	} else if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9091
	}
}
