// Package config loads the operator-facing TOML configuration,
// matching the shape of spec.md §6's recognized Config options. It
// follows the teacher's own TOML-configuration convention
// (mailproxy/mailproxy.go generates the equivalent format for a
// mailproxy account) but, unlike mailproxy.go, decodes rather than
// generates, using github.com/BurntSushi/toml the way the teacher's
// own go.mod already pulls it in as an indirect dependency of its
// config-parsing stack.
package config

import (
	"encoding/base64"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/duskline/meshconn/identity"
	"github.com/duskline/meshconn/wire"
)

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// DefaultServiceDiscoveryPort mirrors discovery.DefaultPort so config
// can supply it without importing the discovery package.
const DefaultServiceDiscoveryPort = 5483

// DefaultBootstrapCacheName is used when BootstrapCacheName is empty.
const DefaultBootstrapCacheName = "bootstrap_cache.db"

// Identity is the base64, PEM-free representation of a public
// identity as it appears in a TOML config file: an ed25519 signing
// key and an X25519 box key, each base64-encoded.
type Identity struct {
	Sign string `toml:"sign"`
	Box  string `toml:"box"`
}

// Contact is a hard-coded bootstrap contact entry: an identity plus
// the addresses at which it is expected to be reachable.
type Contact struct {
	Identity Identity `toml:"identity"`
	Addrs    []string `toml:"addrs"`
}

// Config is the full set of recognized options from spec.md §6,
// loaded from a TOML file via Load.
type Config struct {
	// ServiceDiscoveryPort is the UDP port the discovery server binds
	// and the discoverer queries. Zero selects DefaultServiceDiscoveryPort.
	ServiceDiscoveryPort uint16 `toml:"service_discovery_port"`

	// HardCodedContacts seeds the candidate address list for a
	// Connect before any cache or discovery result is available.
	HardCodedContacts []Contact `toml:"hard_coded_contacts"`

	// WhitelistedNodeIDs, when non-empty, restricts AcceptBootstrap to
	// granting Node-role requests only from these identities
	// (base64-encoded ed25519 signing keys).
	WhitelistedNodeIDs []string `toml:"whitelisted_node_ids"`

	// WhitelistedClientIDs is the Client-role analogue of
	// WhitelistedNodeIDs.
	WhitelistedClientIDs []string `toml:"whitelisted_client_ids"`

	// BootstrapCacheName names the on-disk bbolt file the default
	// cache.BootstrapCache implementation opens.
	BootstrapCacheName string `toml:"bootstrap_cache_name"`
}

// Load decodes path into a Config, applying the defaults documented
// on each field.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.ServiceDiscoveryPort == 0 {
		cfg.ServiceDiscoveryPort = DefaultServiceDiscoveryPort
	}
	if cfg.BootstrapCacheName == "" {
		cfg.BootstrapCacheName = DefaultBootstrapCacheName
	}
	return &cfg, nil
}

// ContactInfos converts HardCodedContacts to wire.ContactInfo records,
// decoding each identity's base64 fields; see identity.PublicIdentity
// for the same split between signing and box keys.
func (c *Config) ContactInfos() ([]wire.ContactInfo, error) {
	out := make([]wire.ContactInfo, 0, len(c.HardCodedContacts))
	for _, hc := range c.HardCodedContacts {
		sign, err := decodeBase64(hc.Identity.Sign)
		if err != nil {
			return nil, fmt.Errorf("config: hard_coded_contacts: bad sign key: %w", err)
		}
		box, err := decodeBase64(hc.Identity.Box)
		if err != nil {
			return nil, fmt.Errorf("config: hard_coded_contacts: bad box key: %w", err)
		}
		out = append(out, wire.ContactInfo{
			IdentitySign: sign,
			IdentityBox:  box,
			Addrs:        hc.Addrs,
		})
	}
	return out, nil
}

// IsNodeWhitelisted reports whether signKeyB64 appears in
// WhitelistedNodeIDs. An empty whitelist permits every node, matching
// spec.md §6's optional-set semantics.
func (c *Config) IsNodeWhitelisted(signKeyB64 string) bool {
	return isWhitelisted(c.WhitelistedNodeIDs, signKeyB64)
}

// IsClientWhitelisted is the Client-role analogue of
// IsNodeWhitelisted.
func (c *Config) IsClientWhitelisted(signKeyB64 string) bool {
	return isWhitelisted(c.WhitelistedClientIDs, signKeyB64)
}

// NodeWhitelistFunc adapts IsNodeWhitelisted to the shape
// crust/handshake.AcceptPolicy.WhitelistedNodes expects.
func (c *Config) NodeWhitelistFunc() func(identity.PublicIdentity) bool {
	return func(pub identity.PublicIdentity) bool {
		return c.IsNodeWhitelisted(pub.String())
	}
}

// ClientWhitelistFunc is the Client-role analogue of
// NodeWhitelistFunc.
func (c *Config) ClientWhitelistFunc() func(identity.PublicIdentity) bool {
	return func(pub identity.PublicIdentity) bool {
		return c.IsClientWhitelisted(pub.String())
	}
}

func isWhitelisted(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == id {
			return true
		}
	}
	return false
}
