package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
service_discovery_port = 6000
whitelisted_node_ids = ["abc123"]

[[hard_coded_contacts]]
addrs = ["10.0.0.1:9000", "10.0.0.1:9001"]

[hard_coded_contacts.identity]
sign = "AQID"
box = "BAUG"
`

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshconn.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndParsesContacts(t *testing.T) {
	path := writeTOML(t, sampleTOML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(6000), cfg.ServiceDiscoveryPort)
	require.Equal(t, DefaultBootstrapCacheName, cfg.BootstrapCacheName)

	contacts, err := cfg.ContactInfos()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, []string{"10.0.0.1:9000", "10.0.0.1:9001"}, contacts[0].Addrs)
}

func TestLoadAppliesDefaultPortAndCacheNameWhenAbsent(t *testing.T) {
	path := writeTOML(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(DefaultServiceDiscoveryPort), cfg.ServiceDiscoveryPort)
	require.Equal(t, DefaultBootstrapCacheName, cfg.BootstrapCacheName)
	require.Empty(t, cfg.HardCodedContacts)
}

func TestWhitelistEmptyMeansPermitAll(t *testing.T) {
	cfg := &Config{}
	require.True(t, cfg.IsNodeWhitelisted("anything"))
	require.True(t, cfg.IsClientWhitelisted("anything"))
}

func TestWhitelistRestrictsToListedIDs(t *testing.T) {
	path := writeTOML(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.IsNodeWhitelisted("abc123"))
	require.False(t, cfg.IsNodeWhitelisted("someone-else"))
}

func TestContactInfosRejectsInvalidBase64(t *testing.T) {
	path := writeTOML(t, `
[[hard_coded_contacts]]
addrs = ["10.0.0.1:1"]

[hard_coded_contacts.identity]
sign = "not-valid-base64!!"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.ContactInfos()
	require.Error(t, err)
}
