// Package config loads the JSON configuration files described in §6, merging them with CLI flag
// overrides the way the teacher's config.Manager layers file-then-flag (config/configuration.go),
// adapted here from YAML to the spec's plain JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// ServiceConfig describes one Connector-side service binding (§6).
type ServiceConfig struct {
	ID         string `json:"id"`
	VirtualIP  string `json:"virtual_ip"`
	Backend    string `json:"backend"`
	Protocol   string `json:"protocol"`
}

// P2PConfig holds the Connector's direct-path listener material (§6).
type P2PConfig struct {
	Cert       string `json:"cert"`
	Key        string `json:"key"`
	ListenPort int    `json:"listen_port"`
}

// Intermediate is the Intermediate server's configuration (§6).
type Intermediate struct {
	Port              int    `json:"port"`
	BindAddr          string `json:"bind_addr"`
	ExternalIP        string `json:"external_ip"`
	Cert              string `json:"cert"`
	Key               string `json:"key"`
	CACert            string `json:"ca_cert"`
	VerifyPeer        bool   `json:"verify_peer"`
	RequireClientCert bool   `json:"require_client_cert"`
	DisableRetry      bool   `json:"disable_retry"`
	MetricsPort       int    `json:"metrics_port"`
}

// Connector is the Connector's configuration (§6).
type Connector struct {
	IntermediateServer string          `json:"intermediate_server"`
	Services           []ServiceConfig `json:"services"`
	P2P                P2PConfig       `json:"p2p"`
	ExternalIP         string          `json:"external_ip"`
	CACert             string          `json:"ca_cert"`
	VerifyPeer         bool            `json:"verify_peer"`
	MetricsPort        int             `json:"metrics_port"`
}

// loadJSON decodes path into v, ignoring unknown keys: encoding/json silently drops unrecognized
// fields, and no warning is logged or returned for them.
func loadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("opening config file %s", path))
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, fmt.Sprintf("parsing config file %s", path))
	}
	return nil
}

// LoadIntermediate reads an Intermediate config file, returning zero-value defaults if path is
// empty (CLI flags/positionals are expected to fill the rest).
func LoadIntermediate(path string) (Intermediate, error) {
	var cfg Intermediate
	if path == "" {
		return cfg, nil
	}
	if err := loadJSON(path, &cfg); err != nil {
		return Intermediate{}, err
	}
	return cfg, nil
}

// LoadConnector reads a Connector config file, returning zero-value defaults if path is empty.
func LoadConnector(path string) (Connector, error) {
	var cfg Connector
	if path == "" {
		return cfg, nil
	}
	if err := loadJSON(path, &cfg); err != nil {
		return Connector{}, err
	}
	return cfg, nil
}

// Validate enforces the Intermediate's required startup fields, failing fast with a clear message
// (§7: "Configuration ... fail startup with clear message").
func (c Intermediate) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("config: port is required")
	}
	if c.Cert == "" || c.Key == "" {
		return fmt.Errorf("config: cert and key are required")
	}
	return nil
}

// Validate enforces the Connector's required startup fields.
func (c Connector) Validate() error {
	if c.IntermediateServer == "" {
		return fmt.Errorf("config: intermediate_server is required")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("config: at least one service is required")
	}
	for _, s := range c.Services {
		if s.ID == "" || s.Backend == "" {
			return fmt.Errorf("config: service %+v missing id or backend", s)
		}
	}
	return nil
}
