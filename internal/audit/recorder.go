// Package audit keeps the insert-only trail of lifecycle transitions.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"franchise-onboarding/internal/common/database"
	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/logger"

	"github.com/google/uuid"
)

// Entry is one committed state change.
type Entry struct {
	FranchiseeID string                 `json:"franchiseeId"`
	ContractID   string                 `json:"contractId,omitempty"`
	FromState    string                 `json:"fromState"`
	ToState      string                 `json:"toState"`
	Actor        string                 `json:"actor"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Recorder writes entries to postgres and, when configured, mirrors them
// into an elasticsearch index for search. Indexing is best effort: a search
// outage never blocks a transition.
type Recorder struct {
	db     *sql.DB
	es     *database.ElasticsearchClient
	index  string
	logger logger.Logger
}

func NewRecorder(db *sql.DB, es *database.ElasticsearchClient, index string, log logger.Logger) *Recorder {
	return &Recorder{
		db:     db,
		es:     es,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

// Record persists one entry. The postgres insert is the durable record;
// errors from it are returned so callers can decide to log or fail.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	id := uuid.New().String()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		detailJSON = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO onboarding_audit (id, franchisee_id, contract_id, from_state, to_state, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, e.FranchiseeID, nullable(e.ContractID), e.FromState, e.ToState, e.Actor, detailJSON, e.CreatedAt,
	)
	if err != nil {
		return errors.NewDatabaseError("insert audit entry", err)
	}

	r.indexEntry(ctx, id, e)
	return nil
}

func (r *Recorder) indexEntry(ctx context.Context, id string, e Entry) {
	if r.es == nil {
		return
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return
	}

	res, err := r.es.Client.Index(
		r.index,
		bytes.NewReader(doc),
		r.es.Client.Index.WithContext(ctx),
		r.es.Client.Index.WithDocumentID(id),
	)
	if err != nil {
		r.logger.Warn("audit index failed", map[string]interface{}{
			"entryId": id,
			"error":   err.Error(),
		})
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		r.logger.Warn("audit index rejected", map[string]interface{}{
			"entryId": id,
			"status":  res.Status(),
		})
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
