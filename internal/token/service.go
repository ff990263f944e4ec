// Package token issues and validates the single-purpose, time-limited
// bearer tokens that stand in for authentication on public endpoints.
package token

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/common/metrics"
	"franchise-onboarding/internal/models"

	"github.com/redis/go-redis/v9"
)

// tokenBytes yields 256 bits of entropy per token value, comfortably above
// the 128-bit floor.
const tokenBytes = 32

const cacheKeyPrefix = "ptk:"

// DBTX is satisfied by both *sql.DB and *sql.Tx so issuance and consumption
// can participate in the caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Service owns the public_tokens table. Postgres is authoritative; redis is
// a read-through cache for reusable tokens only.
type Service struct {
	db       *sql.DB
	cache    *redis.Client
	logger   logger.Logger
	maxTTL   time.Duration
	cacheTTL time.Duration
	now      func() time.Time
}

func NewService(db *sql.DB, cache *redis.Client, log logger.Logger, maxTTL, cacheTTL time.Duration) *Service {
	return &Service{
		db:       db,
		cache:    cache,
		logger:   log.WithFields(map[string]interface{}{"component": "token-service"}),
		maxTTL:   maxTTL,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue mints a token for (purpose, subjectID) with the given ttl, clamped
// to the configured maximum window.
func (s *Service) Issue(ctx context.Context, purpose models.TokenPurpose, subjectID string, ttl time.Duration) (*models.PublicToken, error) {
	return s.IssueTx(ctx, s.db, purpose, subjectID, ttl)
}

// IssueTx is Issue running against the caller's transaction, so a contract
// row and its tokens appear atomically or not at all.
func (s *Service) IssueTx(ctx context.Context, tx DBTX, purpose models.TokenPurpose, subjectID string, ttl time.Duration) (*models.PublicToken, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	value, err := generateValue()
	if err != nil {
		return nil, errors.NewInternalError(fmt.Errorf("generate token value: %w", err))
	}

	issuedAt := s.now().UTC()
	tok := &models.PublicToken{
		Value:     value,
		Purpose:   purpose,
		SubjectID: subjectID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO public_tokens (token, purpose, subject_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tok.Value, string(tok.Purpose), tok.SubjectID, tok.IssuedAt, tok.ExpiresAt,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("issue token", err)
	}

	return tok, nil
}

// Validate resolves a token value to its subject, distinguishing the four
// outcomes the client UI needs: valid, expired, already used, unknown.
// A purpose mismatch reports unknown so probing one link type with another
// leaks nothing.
func (s *Service) Validate(ctx context.Context, value string, purpose models.TokenPurpose) (*models.PublicToken, error) {
	tok, err := s.lookup(ctx, value)
	if err != nil {
		metrics.TokenValidations.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if tok.Purpose != purpose {
		metrics.TokenValidations.WithLabelValues("not_found").Inc()
		return nil, errors.NewNotFoundError("token purpose mismatch")
	}

	if tok.Expired(s.now()) {
		metrics.TokenValidations.WithLabelValues("expired").Inc()
		return tok, errors.NewExpiredError("token past expiry")
	}

	if tok.Purpose.SingleUse() && tok.Consumed() {
		metrics.TokenValidations.WithLabelValues("consumed").Inc()
		return tok, errors.NewAlreadyConsumedError("token already consumed")
	}

	metrics.TokenValidations.WithLabelValues("valid").Inc()
	s.cacheSet(ctx, tok)
	return tok, nil
}

// Consume atomically marks a single-use token consumed. Exactly one caller
// observes success; concurrent replays observe AlreadyConsumed.
func (s *Service) Consume(ctx context.Context, value string) (*models.PublicToken, error) {
	return s.ConsumeTx(ctx, s.db, value)
}

// ConsumeTx is Consume against the caller's transaction, used to make token
// consumption atomic with the contract_signed transition.
func (s *Service) ConsumeTx(ctx context.Context, tx DBTX, value string) (*models.PublicToken, error) {
	now := s.now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE public_tokens SET consumed_at = $2
		WHERE token = $1 AND consumed_at IS NULL AND expires_at > $2`,
		value, now,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("consume token", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.NewDatabaseError("consume token", err)
	}

	if affected == 1 {
		s.cacheInvalidate(ctx, value)
		tok, err := s.selectToken(ctx, tx, value)
		if err != nil {
			return nil, err
		}
		return tok, nil
	}

	// Lost the race or the token was never usable. Classify for the caller.
	tok, err := s.selectToken(ctx, tx, value)
	if err != nil {
		return nil, err
	}
	if tok.Consumed() {
		return tok, errors.NewAlreadyConsumedError("token already consumed")
	}
	if tok.Expired(now) {
		return tok, errors.NewExpiredError("token past expiry")
	}
	return tok, errors.NewConflictError("Token not consumable", "concurrent update")
}

func (s *Service) lookup(ctx context.Context, value string) (*models.PublicToken, error) {
	if tok := s.cacheGet(ctx, value); tok != nil {
		return tok, nil
	}
	return s.selectToken(ctx, s.db, value)
}

func (s *Service) selectToken(ctx context.Context, tx DBTX, value string) (*models.PublicToken, error) {
	var (
		tok        models.PublicToken
		purpose    string
		consumedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT token, purpose, subject_id, issued_at, expires_at, consumed_at
		FROM public_tokens WHERE token = $1`,
		value,
	).Scan(&tok.Value, &purpose, &tok.SubjectID, &tok.IssuedAt, &tok.ExpiresAt, &consumedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("unknown token")
		}
		return nil, errors.NewDatabaseError("select token", err)
	}

	tok.Purpose = models.TokenPurpose(purpose)
	if consumedAt.Valid {
		t := consumedAt.Time
		tok.ConsumedAt = &t
	}
	return &tok, nil
}

func (s *Service) cacheGet(ctx context.Context, value string) *models.PublicToken {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheKeyPrefix+value).Result()
	if err != nil {
		return nil
	}
	var tok models.PublicToken
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil
	}
	tok.Value = value
	return &tok
}

// cacheSet caches reusable tokens only: a cached single-use token could
// report valid after another caller consumed it.
func (s *Service) cacheSet(ctx context.Context, tok *models.PublicToken) {
	if s.cache == nil || tok.Purpose.SingleUse() {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	ttl := s.cacheTTL
	if remaining := tok.ExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, cacheKeyPrefix+tok.Value, data, ttl).Err(); err != nil {
		s.logger.Debug("token cache set failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, value string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKeyPrefix+value).Err(); err != nil {
		s.logger.Debug("token cache invalidate failed", map[string]interface{}{"error": err.Error()})
	}
}

func generateValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
