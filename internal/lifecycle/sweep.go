package lifecycle

import (
	"context"
	"database/sql"
	"time"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"
	"franchise-onboarding/internal/models"
)

// Sweeper periodically demotes franchisees whose accept token lapsed while
// the contract sat unsigned. It is a safety net behind the lazy demotion on
// access; both paths converge on the same ExpireContract operation.
type Sweeper struct {
	db        *sql.DB
	engine    *Engine
	logger    logger.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSweeper(db *sql.DB, engine *Engine, log logger.Logger, interval time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		db:        db,
		engine:    engine,
		logger:    log.WithFields(map[string]interface{}{"component": "expiry-sweeper"}),
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", map[string]interface{}{
		"interval":  s.interval.String(),
		"batchSize": s.batchSize,
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped", nil)
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("sweep pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// RunOnce demotes one batch of lapsed contracts and returns how many it
// demoted. Individual demotion failures are logged and do not abort the
// batch.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.findLapsed(ctx)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for _, id := range ids {
		applied, err := s.engine.ExpireContract(ctx, id, "sweeper")
		if err != nil {
			// Conflicts mean the row moved between the scan and the
			// demotion. Everything else is worth surfacing.
			if errors.CodeOf(err) != errors.ErrCodeConflict {
				s.logger.Warn("demotion failed", map[string]interface{}{
					"franchiseeId": id,
					"error":        err.Error(),
				})
			}
			continue
		}
		if applied {
			demoted++
		}
	}

	if demoted > 0 {
		s.logger.Info("sweep pass complete", map[string]interface{}{
			"scanned": len(ids),
			"demoted": demoted,
		})
	}
	return demoted, nil
}

// findLapsed selects franchisees stuck before signature whose accept token
// for the current contract has expired unconsumed.
func (s *Sweeper) findLapsed(ctx context.Context) ([]string, error) {
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id
		FROM franchisees f
		JOIN public_tokens t ON t.subject_id = f.current_contract_id
		WHERE f.state IN ($1, $2)
		  AND t.purpose = $3
		  AND t.consumed_at IS NULL
		  AND t.expires_at <= $4
		ORDER BY t.expires_at
		LIMIT $5`,
		string(models.StateContractGenerated), string(models.StateContractViewed),
		string(models.PurposeContractAccept), now, s.batchSize,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("scan lapsed contracts", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewDatabaseError("scan lapsed contracts", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("scan lapsed contracts", err)
	}
	return ids, nil
}
