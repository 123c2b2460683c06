package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
)

var (
	flagUserDir      string
	flagUsername     string
	flagProxyServers []string
	flagExpireDays   int
	flagDescription  string
	flagEmail        string
)

var rootCmd = &cobra.Command{
	Use:   "ppaass-genkey",
	Short: "Generate an RSA key pair and starter manifest for a user repository entry",
	RunE:  runGenkey,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagUserDir, "user-dir", "users", "user repository root directory to create the entry under")
	flags.StringVar(&flagUsername, "username", "", "username to generate a key pair and manifest for (required)")
	flags.StringSliceVar(&flagProxyServers, "proxy-server", nil, "candidate proxy server address (host:port), repeatable")
	flags.IntVar(&flagExpireDays, "expire-days", 0, "days until the generated manifest expires, 0 for no expiry")
	flags.StringVar(&flagDescription, "description", "", "free-form description recorded in the manifest")
	flags.StringVar(&flagEmail, "email", "", "contact email recorded in the manifest")
	_ = rootCmd.MarkPersistentFlagRequired("username")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// manifestOut mirrors internal/userrepo's TOML manifest shape; it's kept
// separate rather than exported from that package since that package has no
// reason to know how to write a manifest, only read one.
type manifestOut struct {
	ExpiredDateTime *time.Time `toml:"expired_date_time,omitempty"`
	Description     string     `toml:"description,omitempty"`
	Email           string     `toml:"email,omitempty"`
	PublicKeyFile   string     `toml:"public_key_file"`
	PrivateKeyFile  string     `toml:"private_key_file"`
	ProxyServers    []string   `toml:"proxy_servers,omitempty"`
}

func runGenkey(cmd *cobra.Command, args []string) error {
	userDir := filepath.Join(flagUserDir, flagUsername)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("creating user directory %s: %w", userDir, err)
	}

	keyPair, err := cryptoops.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating key pair for %s: %w", flagUsername, err)
	}

	publicPEM, err := cryptoops.EncodePublicKeyPEM(keyPair.Public)
	if err != nil {
		return fmt.Errorf("encoding public key for %s: %w", flagUsername, err)
	}
	privatePEM := cryptoops.EncodePrivateKeyPEM(keyPair.Private)

	const publicKeyFile = "publicKey.pem"
	const privateKeyFile = "privateKey.pem"
	if err := os.WriteFile(filepath.Join(userDir, publicKeyFile), publicPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(userDir, privateKeyFile), privatePEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	m := manifestOut{
		Description:    flagDescription,
		Email:          flagEmail,
		PublicKeyFile:  publicKeyFile,
		PrivateKeyFile: privateKeyFile,
		ProxyServers:   flagProxyServers,
	}
	if flagExpireDays > 0 {
		expiry := time.Now().AddDate(0, 0, flagExpireDays)
		m.ExpiredDateTime = &expiry
	}

	manifestFile, err := os.Create(filepath.Join(userDir, "userinfo.toml"))
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	defer manifestFile.Close()
	if err := toml.NewEncoder(manifestFile).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	fmt.Printf("generated key pair and manifest for %q under %s\n", flagUsername, userDir)
	return nil
}
