// Package credential tracks a partner access token persisted in a TOML file
// and refreshes it shortly before it expires.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/xdusongwei/httptrading/pkg/crypto"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// RefreshWindow is how long before expiry a token becomes eligible for refresh.
const RefreshWindow = 3 * 24 * time.Hour

// Record is the persisted credential.
type Record struct {
	Token  string
	Expiry time.Time
}

// fileRecord is the on-disk layout. Expiry is an ISO-8601 string rather
// than a TOML datetime so other readers of the file can parse it.
type fileRecord struct {
	Token  string `toml:"token"`
	Expiry string `toml:"expiry"`
}

// RefreshFunc exchanges the current record for a new one at the partner.
type RefreshFunc func(ctx context.Context, current Record) (Record, error)

// Keeper owns one credential file. All reads and writes of the record go
// through its mutex; Refresh holds it across the partner call so concurrent
// refreshers cannot both rotate the token.
type Keeper struct {
	mu     sync.Mutex
	path   string
	record Record
	now    func() time.Time
	logger *slog.Logger
	sealer *crypto.Sealer
}

type Option func(*Keeper)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithSealer stores tokens sealed and opens sealed tokens on load. A nil
// sealer keeps the file in plain text.
func WithSealer(s *crypto.Sealer) Option {
	return func(k *Keeper) { k.sealer = s }
}

// Load reads the credential file at path. A missing file, a missing token or
// an expiry that is unparseable or already past yields a *common.ConfigError.
func Load(path string, opts ...Option) (*Keeper, error) {
	k := &Keeper{path: path, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.ConfigError{Field: "token_file", Reason: "cannot read " + path, Err: err}
	}

	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, &common.ConfigError{Field: "token_file", Reason: "invalid toml in " + path, Err: err}
	}

	token, _ := doc["token"].(string)
	if token == "" {
		return nil, &common.ConfigError{Field: "token", Reason: "missing in " + path}
	}
	if crypto.IsSealed(token) {
		if k.sealer == nil {
			return nil, &common.ConfigError{Field: "token", Reason: "sealed in " + path + " but no CREDENTIAL_KEY is set"}
		}
		if token, err = k.sealer.Open(token); err != nil {
			return nil, &common.ConfigError{Field: "token", Reason: "cannot open sealed token in " + path, Err: err}
		}
	}
	expiry, err := parseExpiry(doc["expiry"])
	if err != nil {
		return nil, &common.ConfigError{Field: "expiry", Reason: "unparseable in " + path, Err: err}
	}

	k.record = Record{Token: token, Expiry: expiry}
	if k.IsExpired() {
		return nil, &common.ConfigError{Field: "expiry", Reason: fmt.Sprintf("token expired at %s", expiry.Format(time.RFC3339))}
	}
	return k, nil
}

func parseExpiry(v any) (time.Time, error) {
	switch e := v.(type) {
	case time.Time:
		return e, nil
	case toml.LocalDateTime:
		return e.AsTime(time.UTC), nil
	case toml.LocalDate:
		return e.AsTime(time.UTC), nil
	case string:
		if t, err := time.Parse(time.RFC3339, e); err == nil {
			return t, nil
		}
		return time.ParseInLocation("2006-01-02T15:04:05", e, time.UTC)
	case nil:
		return time.Time{}, errors.New("missing expiry")
	default:
		return time.Time{}, fmt.Errorf("unexpected expiry type %T", v)
	}
}

func (k *Keeper) Path() string { return k.path }

func (k *Keeper) Token() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.record.Token
}

func (k *Keeper) Expiry() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.record.Expiry
}

// IsExpired reports whether the expiry instant has been reached.
func (k *Keeper) IsExpired() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiredLocked()
}

// ShouldRefresh reports whether the token is still valid but inside the
// refresh window.
func (k *Keeper) ShouldRefresh() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shouldRefreshLocked()
}

func (k *Keeper) expiredLocked() bool {
	return !k.now().Before(k.record.Expiry)
}

func (k *Keeper) shouldRefreshLocked() bool {
	if k.expiredLocked() {
		return false
	}
	return !k.now().Before(k.record.Expiry.Add(-RefreshWindow))
}

// Update persists a new record and only then swaps it in memory.
func (k *Keeper) Update(token string, expiry time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.updateLocked(Record{Token: token, Expiry: expiry})
}

func (k *Keeper) updateLocked(rec Record) error {
	if rec.Token == "" {
		return &common.ConfigError{Field: "token", Reason: "must not be empty"}
	}
	stored := rec
	if k.sealer != nil {
		sealed, err := k.sealer.Seal(rec.Token)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		stored.Token = sealed
	}
	if err := writeAtomic(k.path, stored); err != nil {
		return err
	}
	k.record = rec
	return nil
}

// Refresh calls fn when the token is inside the refresh window and persists
// the result. It reports whether a new token was stored.
func (k *Keeper) Refresh(ctx context.Context, fn RefreshFunc) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.shouldRefreshLocked() {
		return false, nil
	}
	rec, err := fn(ctx, k.record)
	if err != nil {
		return false, fmt.Errorf("refresh token: %w", err)
	}
	if err := k.updateLocked(rec); err != nil {
		return false, err
	}
	k.logger.Info("credential refreshed", "path", k.path, "expiry", rec.Expiry.Format(time.RFC3339))
	return true, nil
}

// Run checks the token every interval until ctx is done. Failures are logged
// and retried on the next tick.
func (k *Keeper) Run(ctx context.Context, interval time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := k.Refresh(ctx, fn); err != nil {
			k.logger.Warn("credential refresh failed", "path", k.path, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// writeAtomic replaces path with rec via a temp file in the same directory.
func writeAtomic(path string, rec Record) error {
	data, err := toml.Marshal(fileRecord{Token: rec.Token, Expiry: rec.Expiry.Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp credential: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp credential: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}
