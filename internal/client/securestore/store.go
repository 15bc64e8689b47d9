package securestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gymportal/internal/cryptox"
	"github.com/dmitrijs2005/gymportal/internal/logging"
)

// RecordKey is the key-value store key holding the sealed record.
const RecordKey = "session_record"

const (
	envelopeVersion = 1
	keyIDSize       = 8
)

var (
	hkdfSalt  = []byte("gymportal.securestore.v1")
	infoKey   = []byte("session-record-key")
	infoKeyID = []byte("session-record-key-id")
	aad       = []byte(RecordKey + "/v1")
)

var (
	// ErrStorageCorrupt means a blob was present but could not be opened.
	ErrStorageCorrupt = errors.New("session record is corrupt")
	// ErrFingerprintMismatch means the record was sealed on another device.
	ErrFingerprintMismatch = errors.New("session record belongs to another device")
	// ErrSessionExpired means the absolute session lifetime has passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrInactive means the inactivity timeout has passed. It wraps
	// ErrSessionExpired.
	ErrInactive = fmt.Errorf("%w: inactivity timeout", ErrSessionExpired)
)

type envelope struct {
	Version int    `json:"v"`
	KeyID   []byte `json:"kid"`
	Sealed  []byte `json:"sealed"`
}

// Store is the only reader and writer of the persisted session record.
type Store struct {
	repo              metadata.Repository
	fingerprint       FingerprintFunc
	now               func() time.Time
	inactivityTimeout time.Duration
	log               logging.Logger

	mu sync.Mutex
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithFingerprint overrides DeviceFingerprint.
func WithFingerprint(f FingerprintFunc) Option {
	return func(s *Store) { s.fingerprint = f }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(repo metadata.Repository, inactivityTimeout time.Duration, opts ...Option) *Store {
	s := &Store{
		repo:              repo,
		fingerprint:       DeviceFingerprint,
		now:               time.Now,
		inactivityTimeout: inactivityTimeout,
		log:               logging.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "securestore")
	return s
}

// Save stamps the current fingerprint and LastActivity onto a copy of rec,
// seals it and overwrites any stored record.
func (s *Store) Save(ctx context.Context, rec *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.currentKeys()
	if err != nil {
		return err
	}

	r := rec.Clone()
	r.DeviceFingerprint = k.fingerprint
	r.LastActivity = s.now().UTC()

	blob, err := k.seal(r)
	if err != nil {
		return err
	}
	if err := s.repo.Set(ctx, RecordKey, blob); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil when there is none. An invalid
// record is deleted and nil is returned together with one of
// ErrStorageCorrupt, ErrFingerprintMismatch, ErrSessionExpired or ErrInactive.
func (s *Store) Load(ctx context.Context) (*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.repo.Get(ctx, RecordKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	if blob == nil {
		return nil, nil
	}

	k, err := s.currentKeys()
	if err != nil {
		return nil, err
	}

	rec, verr := s.open(k, blob)
	if verr != nil {
		s.log.Warn(ctx, "discarding session record", "reason", verr)
		if err := s.repo.Delete(ctx, RecordKey); err != nil {
			s.log.Error(ctx, "failed to delete invalid session record", "error", err)
		}
		return nil, verr
	}
	return rec, nil
}

// Touch moves LastActivity to now. It does nothing when no valid record is
// stored, so it can never revive an expired session.
func (s *Store) Touch(ctx context.Context) error {
	_, err := s.update(ctx, func(r *models.SessionRecord) error {
		r.LastActivity = s.now().UTC()
		return nil
	})
	return err
}

// Mutate applies fn to the stored record and writes it back atomically.
// LastActivity is left as stored. It reports false when there was no valid
// record to mutate.
func (s *Store) Mutate(ctx context.Context, fn func(r *models.SessionRecord) error) (bool, error) {
	return s.update(ctx, fn)
}

func (s *Store) update(ctx context.Context, fn func(r *models.SessionRecord) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.currentKeys()
	if err != nil {
		return false, err
	}

	found := false
	err = s.repo.Update(ctx, RecordKey, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		rec, verr := s.open(k, current)
		if verr != nil {
			// Left for Load to report and delete.
			return nil, nil
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		found = true
		return k.seal(rec)
	})
	if err != nil {
		return false, fmt.Errorf("failed to update session record: %w", err)
	}
	return found, nil
}

// Clear deletes the stored record. It is safe to call when nothing is stored.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Delete(ctx, RecordKey); err != nil {
		return fmt.Errorf("failed to clear session record: %w", err)
	}
	return nil
}

func (s *Store) open(k *keys, blob []byte) (*models.SessionRecord, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil || env.Version != envelopeVersion {
		return nil, ErrStorageCorrupt
	}
	if !bytes.Equal(env.KeyID, k.id) {
		return nil, ErrFingerprintMismatch
	}

	var rec models.SessionRecord
	if err := cryptox.Open(env.Sealed, k.key, aad, &rec); err != nil {
		return nil, ErrStorageCorrupt
	}
	if rec.DeviceFingerprint != k.fingerprint {
		return nil, ErrFingerprintMismatch
	}

	now := s.now()
	if now.After(rec.AbsoluteExpiry) {
		return nil, ErrSessionExpired
	}
	if s.inactivityTimeout > 0 && now.Sub(rec.LastActivity) > s.inactivityTimeout {
		return nil, ErrInactive
	}
	return &rec, nil
}

type keys struct {
	fingerprint string
	key         []byte
	id          []byte
}

func (s *Store) currentKeys() (*keys, error) {
	fp, err := s.fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to compute device fingerprint: %w", err)
	}
	key, err := cryptox.DeriveKey([]byte(fp), hkdfSalt, infoKey)
	if err != nil {
		return nil, err
	}
	id, err := cryptox.DeriveKey([]byte(fp), hkdfSalt, infoKeyID)
	if err != nil {
		return nil, err
	}
	return &keys{fingerprint: fp, key: key, id: id[:keyIDSize]}, nil
}

func (k *keys) seal(rec *models.SessionRecord) ([]byte, error) {
	sealed, err := cryptox.Seal(rec, k.key, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session record: %w", err)
	}
	return json.Marshal(envelope{Version: envelopeVersion, KeyID: k.id, Sealed: sealed})
}
