// Package ota accepts firmware images over HTTP and stages them on
// disk. Flashing or booting the staged image is left to the platform
// (a systemd path unit, an A/B updater); this package only guarantees
// that staged.bin is either absent or a complete, optionally
// digest-verified upload.
package ota

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/opstate"
)

// StagedName is the file name of the staged image inside the firmware
// directory.
const StagedName = "staged.bin"

var (
	// ErrDigestMismatch is returned when the uploaded image does not
	// match the digest supplied with it.
	ErrDigestMismatch = errors.New("firmware digest mismatch")
	// ErrTooLarge is returned when the image exceeds the size cap.
	ErrTooLarge = errors.New("firmware image too large")
	// ErrEmpty is returned for a zero-length image.
	ErrEmpty = errors.New("firmware image is empty")
	// ErrBusy is returned when another upload is in progress.
	ErrBusy = errors.New("another update is in progress")
)

// Record describes a staged image.
type Record struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Verified   bool      `json:"verified"`
	Path       string    `json:"path"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StagedAt   time.Time `json:"staged_at"`
}

// StateStore persists the last Record. *opstate.Store satisfies it.
type StateStore interface {
	SetJSON(namespace, key string, v any) error
	GetJSON(namespace, key string, v any) (bool, error)
}

const stateKey = "last_staged"

// Service stages uploaded firmware images.
type Service struct {
	dir      string
	maxBytes int64
	username string
	hash     []byte
	store    StateStore
	logger   *slog.Logger
	now      func() time.Time

	// OnUpload, when set, receives "staged", "rejected" or "error"
	// after every upload attempt.
	OnUpload func(result string)

	busy sync.Mutex

	mu   sync.Mutex
	last *Record
}

// New creates a Service staging into dataDir/firmware. store may be
// nil, in which case the last record lives only in memory.
func New(cfg config.UpdateConfig, dataDir string, store StateStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		dir:      filepath.Join(dataDir, "firmware"),
		maxBytes: cfg.MaxBytes,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.AuthEnabled() {
		s.username = cfg.Username
		s.hash = []byte(cfg.PasswordHash)
	}

	if store != nil {
		var rec Record
		ok, err := store.GetJSON(opstate.NamespaceUpdate, stateKey, &rec)
		if err != nil {
			logger.Warn("failed to load last update record", "error", err)
		} else if ok {
			s.last = &rec
		}
	}
	return s
}

// Dir returns the firmware staging directory.
func (s *Service) Dir() string { return s.dir }

// Last returns the most recently staged image, or nil.
func (s *Service) Last() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Authorize checks basic-auth credentials. It always succeeds when no
// credentials are configured.
func (s *Service) Authorize(user, pass string, ok bool) bool {
	if s.hash == nil {
		return true
	}
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(s.hash, []byte(pass)) == nil
	return userOK && passOK
}

// upload is an in-progress image written to a temp file next to its
// final location.
type upload struct {
	tmp  *os.File
	size int64
	sum  string
}

// begin streams r into a temp file in the staging directory, hashing as
// it goes. The caller must either commit or discard the upload.
func (s *Service) begin(r io.Reader) (*upload, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create firmware dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "upload-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	u := &upload{tmp: tmp}

	h := sha256.New()
	limit := s.maxBytes
	if limit <= 0 {
		limit = 1 << 62
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, limit+1))
	if err != nil {
		u.discard()
		return nil, fmt.Errorf("receive firmware: %w", err)
	}
	if n > limit {
		u.discard()
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	if n == 0 {
		u.discard()
		return nil, ErrEmpty
	}
	if err := tmp.Sync(); err != nil {
		u.discard()
		return nil, fmt.Errorf("sync firmware: %w", err)
	}

	u.size = n
	u.sum = hex.EncodeToString(h.Sum(nil))
	return u, nil
}

func (u *upload) discard() {
	u.tmp.Close()
	os.Remove(u.tmp.Name())
}

// commit verifies the digest when one is given and atomically moves the
// image into place.
func (s *Service) commit(u *upload, filename, wantSHA, remote string) (Record, error) {
	wantSHA = strings.ToLower(strings.TrimSpace(wantSHA))
	if wantSHA != "" && subtle.ConstantTimeCompare([]byte(wantSHA), []byte(u.sum)) != 1 {
		u.discard()
		return Record{}, fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, u.sum, wantSHA)
	}
	if err := u.tmp.Close(); err != nil {
		os.Remove(u.tmp.Name())
		return Record{}, fmt.Errorf("close firmware: %w", err)
	}

	dst := filepath.Join(s.dir, StagedName)
	if err := os.Rename(u.tmp.Name(), dst); err != nil {
		os.Remove(u.tmp.Name())
		return Record{}, fmt.Errorf("stage firmware: %w", err)
	}

	rec := Record{
		Filename:   filepath.Base(filename),
		Size:       u.size,
		SHA256:     u.sum,
		Verified:   wantSHA != "",
		Path:       dst,
		RemoteAddr: remote,
		StagedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.last = &rec
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SetJSON(opstate.NamespaceUpdate, stateKey, rec); err != nil {
			s.logger.Warn("failed to persist update record", "error", err)
		}
	}

	s.logger.Info("firmware staged",
		"filename", rec.Filename,
		"size", rec.Size,
		"sha256", rec.SHA256,
		"verified", rec.Verified,
		"path", rec.Path,
	)
	return rec, nil
}

// Stage writes an image read from r and verifies it against wantSHA
// (hex SHA-256) when non-empty.
func (s *Service) Stage(r io.Reader, filename, wantSHA string) (Record, error) {
	if !s.busy.TryLock() {
		return Record{}, ErrBusy
	}
	defer s.busy.Unlock()

	u, err := s.begin(r)
	if err != nil {
		return Record{}, err
	}
	return s.commit(u, filename, wantSHA, "")
}
