// Command intermediate runs the public Intermediate Server (§2, §4.2-§4.5): the registry, DATAGRAM
// router, signalling broker and stateless-retry front door that Agents and Connectors rendezvous
// through. Flag parsing follows the teacher's urfave/cli layout (cmd/cloudflared/main.go), cut
// down to this system's flat positional-plus-flags CLI (§6).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/hfyeomans/ztna-core/internal/config"
	"github.com/hfyeomans/ztna-core/intermediate"
)

func main() {
	app := &cli.App{
		Name:      "intermediate",
		Usage:     "ztna-core public rendezvous server",
		ArgsUsage: "port cert_pem key_pem bind_addr",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to a JSON config file."},
			&cli.StringFlag{Name: "external-ip", Usage: "Public IP of this server; stored in the config only, QAD frames report each peer's observed address instead."},
			&cli.StringFlag{Name: "ca-cert", Usage: "CA bundle used to verify Agent/Connector client certificates."},
			&cli.BoolFlag{Name: "no-verify-peer", Usage: "Disable mTLS peer certificate verification."},
			&cli.BoolFlag{Name: "require-client-cert", Usage: "Require and verify a client certificate from every peer."},
			&cli.BoolFlag{Name: "disable-retry", Usage: "Disable stateless Retry (anti-amplification) on new handshakes."},
			&cli.IntFlag{Name: "metrics-port", Value: 9090, Usage: "Port for /metrics and /healthz; 0 disables."},
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
		Str("component", "intermediate").
		Str("instance", uuid.NewString()).
		Logger()

	cfg, err := config.LoadIntermediate(c.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	applyIntermediateFlags(c, &cfg)

	srv, err := intermediate.New(cfg, &log)
	if err != nil {
		return cli.Exit(fmt.Errorf("intermediate: %w", err), 1)
	}

	log.Info().Int("port", cfg.Port).Msg("starting intermediate server")
	if err := srv.Run(context.Background()); err != nil {
		return cli.Exit(fmt.Errorf("intermediate: %w", err), 1)
	}
	return nil
}

// applyIntermediateFlags layers CLI flags and positionals over whatever a --config file already
// set (file first, then flags); a flag the user actually passed always wins.
func applyIntermediateFlags(c *cli.Context, cfg *config.Intermediate) {
	if c.Args().Len() >= 4 {
		if port, err := strconv.Atoi(c.Args().Get(0)); err == nil {
			cfg.Port = port
		}
		cfg.Cert = c.Args().Get(1)
		cfg.Key = c.Args().Get(2)
		cfg.BindAddr = c.Args().Get(3)
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
	if c.Bool("require-client-cert") {
		cfg.RequireClientCert = true
		cfg.VerifyPeer = true
	}
	if c.Bool("disable-retry") {
		cfg.DisableRetry = true
	}
	if c.IsSet("metrics-port") {
		cfg.MetricsPort = c.Int("metrics-port")
	} else if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}
