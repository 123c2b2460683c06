package userrepo

import (
	"time"

	"github.com/BurntSushi/toml"
)

// manifestFileName is the per-user TOML file every repository entry carries,
// named after the original project's userinfo.toml convention.
const manifestFileName = "userinfo.toml"

// manifest is the TOML-decoded shape of manifestFileName.
type manifest struct {
	ExpiredDateTime       *time.Time `toml:"expired_date_time"`
	Description           string     `toml:"description"`
	Email                 string     `toml:"email"`
	PublicKeyFileRelPath  string     `toml:"public_key_file"`
	PrivateKeyFileRelPath string     `toml:"private_key_file"`
	ProxyServers          []string   `toml:"proxy_servers"`
}

func decodeManifest(data []byte) (manifest, error) {
	var m manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return manifest{}, err
	}
	if m.PublicKeyFileRelPath == "" {
		m.PublicKeyFileRelPath = "publicKey.pem"
	}
	if m.PrivateKeyFileRelPath == "" {
		m.PrivateKeyFileRelPath = "privateKey.pem"
	}
	return m, nil
}
