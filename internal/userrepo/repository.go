package userrepo

import (
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/quhxuxm/ppaass-v3/internal/relayerr"
)

// FileSystemRepository is C9's concrete implementation: it scans a
// directory (or a .zip archive of the same layout) of per-user
// manifest+key-pair entries, and periodically refreshes its in-memory
// snapshot the way portal.LeaseManager refreshes its lease map -- a
// ticker-driven background goroutine that rebuilds state and swaps it in
// under a write lock, so readers never block on a scan in progress.
type FileSystemRepository struct {
	basePath string

	mu        sync.RWMutex
	records   map[string]*Record
	fingerprints map[string][32]byte

	fingerprintLog *pebble.DB // optional; persists each user's latest fingerprint

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// FileSystemRepositoryOption configures optional behavior.
type FileSystemRepositoryOption func(*FileSystemRepository)

// WithFingerprintLog writes each user's latest manifest+key fingerprint,
// keyed by username, to a pebble LSM store at dbPath whenever that user's
// entry is parsed. The stored values are never read back: change detection
// uses only the in-memory fingerprints of the running process.
func WithFingerprintLog(dbPath string) (FileSystemRepositoryOption, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening fingerprint log at %s: %w", dbPath, err)
	}
	return func(r *FileSystemRepository) {
		r.fingerprintLog = db
	}, nil
}

// NewFileSystemRepository performs an initial synchronous scan of basePath
// and starts a background refresh loop at refreshInterval.
func NewFileSystemRepository(basePath string, refreshInterval time.Duration, opts ...FileSystemRepositoryOption) (*FileSystemRepository, error) {
	r := &FileSystemRepository{
		basePath:     basePath,
		records:      make(map[string]*Record),
		fingerprints: make(map[string][32]byte),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.refresh(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.refreshLoop(refreshInterval)
	return r, nil
}

func (r *FileSystemRepository) refreshLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.refresh(); err != nil {
				log.Error().Err(err).Str("path", r.basePath).Msg("user repository refresh failed, keeping previous snapshot")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the refresh loop and releases the fingerprint log if open.
func (r *FileSystemRepository) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	if r.fingerprintLog != nil {
		return r.fingerprintLog.Close()
	}
	return nil
}

func fingerprintOf(files userFiles) [32]byte {
	h := sha256.New()
	h.Write(files.manifest)
	h.Write(files.publicPEM)
	h.Write(files.privatePEM)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (r *FileSystemRepository) refresh() error {
	tree, err := loadUserTree(r.basePath)
	if err != nil {
		return err
	}

	r.mu.RLock()
	prevRecords := r.records
	prevFingerprints := r.fingerprints
	r.mu.RUnlock()

	newRecords := make(map[string]*Record, len(tree))
	newFingerprints := make(map[string][32]byte, len(tree))
	for username, files := range tree {
		fp := fingerprintOf(files)
		if prev, ok := prevFingerprints[username]; ok && prev == fp {
			newRecords[username] = prevRecords[username]
			newFingerprints[username] = fp
			continue
		}
		rec, err := buildRecord(username, files)
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("skipping user entry that failed to parse")
			continue
		}
		newRecords[username] = rec
		newFingerprints[username] = fp
		r.recordFingerprintChange(username, fp)
	}

	r.mu.Lock()
	r.records = newRecords
	r.fingerprints = newFingerprints
	r.mu.Unlock()
	return nil
}

func (r *FileSystemRepository) recordFingerprintChange(username string, fp [32]byte) {
	if r.fingerprintLog == nil {
		return
	}
	if err := r.fingerprintLog.Set([]byte(username), fp[:], pebble.Sync); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("failed to persist user fingerprint")
	}
}

// Get implements Repository.
func (r *FileSystemRepository) Get(username string) (*Record, error) {
	r.mu.RLock()
	rec, ok := r.records[username]
	r.mu.RUnlock()
	return lookup(rec, ok, username)
}

// GetAny implements Repository.
func (r *FileSystemRepository) GetAny() (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.records) == 0 {
		return nil, fmt.Errorf("%w: repository has no users loaded", relayerr.ErrUserNotFound)
	}
	now := time.Now()
	candidates := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.Expired(now) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: repository has no unexpired users", relayerr.ErrUserExpired)
	}
	return candidates[rand.Intn(len(candidates))], nil
}
