package userrepo

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/cryptoops"
)

// userFiles is the raw bytes of one user's manifest and key material,
// sourced from either a plain directory or a ZIP archive.
type userFiles struct {
	manifest   []byte
	publicPEM  []byte
	privatePEM []byte
}

// loadUserTree reads every user subdirectory under basePath, which may
// either be a plain directory (one subdirectory per username) or a path to
// a .zip archive with the same internal layout -- the archive form lets an
// operator ship a single file as a repository snapshot instead of an
// unpacked directory tree.
func loadUserTree(basePath string) (map[string]userFiles, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("stat user repository path: %w", err)
	}
	if info.IsDir() {
		return loadUserTreeFromDir(basePath)
	}
	if strings.HasSuffix(strings.ToLower(basePath), ".zip") {
		return loadUserTreeFromZip(basePath)
	}
	return nil, fmt.Errorf("user repository path %q is neither a directory nor a .zip archive", basePath)
}

func loadUserTreeFromDir(basePath string) (map[string]userFiles, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("reading user repository directory: %w", err)
	}
	result := make(map[string]userFiles, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		username := entry.Name()
		userDir := filepath.Join(basePath, username)
		manifestBytes, err := os.ReadFile(filepath.Join(userDir, manifestFileName))
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("skipping user directory with no readable manifest")
			continue
		}
		m, err := decodeManifest(manifestBytes)
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("skipping user directory with unparsable manifest")
			continue
		}
		publicPEM, err := os.ReadFile(filepath.Join(userDir, m.PublicKeyFileRelPath))
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("skipping user directory with unreadable public key")
			continue
		}
		privatePEM, err := os.ReadFile(filepath.Join(userDir, m.PrivateKeyFileRelPath))
		if err != nil {
			// A proxy-side repository legitimately never holds a user's
			// private key -- only the user's own agent does.
			privatePEM = nil
		}
		result[username] = userFiles{manifest: manifestBytes, publicPEM: publicPEM, privatePEM: privatePEM}
	}
	return result, nil
}

func loadUserTreeFromZip(zipPath string) (map[string]userFiles, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening user repository archive: %w", err)
	}
	defer r.Close()

	type rawFiles struct {
		manifest []byte
		files    map[string][]byte
	}
	byUser := make(map[string]*rawFiles)
	for _, f := range r.File {
		clean := path.Clean(f.Name)
		parts := strings.SplitN(clean, "/", 2)
		if len(parts) != 2 {
			continue
		}
		username, rest := parts[0], parts[1]
		entry, ok := byUser[username]
		if !ok {
			entry = &rawFiles{files: make(map[string][]byte)}
			byUser[username] = entry
		}
		rc, err := f.Open()
		if err != nil {
			log.Warn().Err(err).Str("entry", f.Name).Msg("skipping unreadable archive entry")
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			log.Warn().Err(err).Str("entry", f.Name).Msg("skipping unreadable archive entry")
			continue
		}
		switch rest {
		case manifestFileName:
			entry.manifest = data
		default:
			// Figured out below, once we've decoded the manifest and know
			// the configured key file names.
			entry.files[rest] = data
		}
	}

	result := make(map[string]userFiles, len(byUser))
	for username, raw := range byUser {
		m, err := decodeManifest(raw.manifest)
		if raw.manifest == nil || err != nil || raw.files[m.PublicKeyFileRelPath] == nil {
			log.Warn().Str("username", username).Msg("skipping archive user entry missing manifest or public key")
			continue
		}
		result[username] = userFiles{manifest: raw.manifest, publicPEM: raw.files[m.PublicKeyFileRelPath], privatePEM: raw.files[m.PrivateKeyFileRelPath]}
	}
	return result, nil
}

// buildRecord turns raw manifest+key bytes into a resolved Record.
func buildRecord(username string, files userFiles) (*Record, error) {
	m, err := decodeManifest(files.manifest)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", username, err)
	}
	pub, err := cryptoops.ParsePublicKeyPEM(files.publicPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing public key for %s: %w", username, err)
	}
	rec := &Record{
		Username:     username,
		PublicKey:    pub,
		ExpiredAt:    m.ExpiredDateTime,
		Description:  m.Description,
		Email:        m.Email,
		ProxyServers: m.ProxyServers,
	}
	if len(files.privatePEM) > 0 {
		priv, err := cryptoops.ParsePrivateKeyPEM(files.privatePEM)
		if err != nil {
			return nil, fmt.Errorf("parsing private key for %s: %w", username, err)
		}
		rec.PrivateKey = priv
	}
	return rec, nil
}
