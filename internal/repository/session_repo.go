package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"wasteland-tarot/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *models.ReadingSession) error {
	stateBytes, err := json.Marshal(s.SessionState)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if len(s.SpreadConfig) == 0 {
		s.SpreadConfig = json.RawMessage("{}")
	}

	query := `
		INSERT INTO reading_sessions (id, user_id, spread_type, spread_config, question, session_state, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'active')
		RETURNING status, created_at, updated_at
	`

	return r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.SpreadType, s.SpreadConfig, s.Question, stateBytes,
	).Scan(&s.Status, &s.CreatedAt, &s.UpdatedAt)
}

func (r *SessionRepo) GetByID(ctx context.Context, id string, userID uuid.UUID) (*models.ReadingSession, error) {
	s := &models.ReadingSession{}
	var stateBytes []byte

	query := `SELECT id, user_id, spread_type, spread_config, question, session_state, status,
		interpretation, interpretation_score, interpretation_model,
		created_at, updated_at, last_accessed_at
		FROM reading_sessions WHERE id = $1 AND user_id = $2`

	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&s.ID, &s.UserID, &s.SpreadType, &s.SpreadConfig, &s.Question, &stateBytes, &s.Status,
		&s.Interpretation, &s.InterpretationScore, &s.InterpretationModel,
		&s.CreatedAt, &s.UpdatedAt, &s.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateBytes, &s.SessionState); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}

	// Update last_accessed_at
	r.pool.Exec(ctx, "UPDATE reading_sessions SET last_accessed_at = NOW() WHERE id = $1", id)
	return s, nil
}

func (r *SessionRepo) Update(ctx context.Context, s *models.ReadingSession) error {
	stateBytes, err := json.Marshal(s.SessionState)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	query := `
		UPDATE reading_sessions
		SET spread_config = $3, question = $4, session_state = $5, status = $6, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING updated_at
	`

	return r.pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.SpreadConfig, s.Question, stateBytes, s.Status,
	).Scan(&s.UpdatedAt)
}

func (r *SessionRepo) SetInterpretation(ctx context.Context, id string, text string, score float64, model string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE reading_sessions
		SET interpretation = $2, interpretation_score = $3, interpretation_model = $4, updated_at = NOW()
		WHERE id = $1
	`, id, text, score, model)
	return err
}

func (r *SessionRepo) ListIncomplete(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.SessionMetadata, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM reading_sessions WHERE user_id = $1 AND status != 'complete'", userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, spread_type, question, status,
			jsonb_array_length(session_state->'cards_drawn'),
			created_at, updated_at
		FROM reading_sessions
		WHERE user_id = $1 AND status != 'complete'
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := []models.SessionMetadata{}
	for rows.Next() {
		var m models.SessionMetadata
		if err := rows.Scan(&m.ID, &m.SpreadType, &m.Question, &m.Status, &m.CardCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, m)
	}
	return sessions, total, rows.Err()
}

// StaleSessionOwner groups a user's idle incomplete sessions for the
// reminder digest.
type StaleSessionOwner struct {
	UserID       uuid.UUID
	Email        string
	VaultName    string
	SessionCount int
	OldestIdleAt time.Time
}

func (r *SessionRepo) ListStaleOwners(ctx context.Context, idleFor time.Duration) ([]StaleSessionOwner, error) {
	query := `
		SELECT u.id, u.email, u.vault_name, COUNT(s.id), MIN(s.updated_at)
		FROM reading_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.status != 'complete'
		  AND s.updated_at < NOW() - $1::interval
		  AND u.is_verified = TRUE
		  AND u.is_active = TRUE
		GROUP BY u.id, u.email, u.vault_name
	`

	rows, err := r.pool.Query(ctx, query, fmt.Sprintf("%d seconds", int(idleFor.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []StaleSessionOwner
	for rows.Next() {
		var o StaleSessionOwner
		if err := rows.Scan(&o.UserID, &o.Email, &o.VaultName, &o.SessionCount, &o.OldestIdleAt); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// PurgeAbandoned removes incomplete sessions untouched for longer than
// the retention window. Completed sessions are never purged; their
// permanent record lives in readings.
func (r *SessionRepo) PurgeAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM reading_sessions
		WHERE status != 'complete' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete is idempotent; removing an absent row is not an error.
func (r *SessionRepo) Delete(ctx context.Context, id string, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM reading_sessions WHERE id = $1 AND user_id = $2", id, userID)
	return err
}

// Complete transitions the session to its terminal state and creates the
// permanent reading record in the same transaction.
func (r *SessionRepo) Complete(ctx context.Context, s *models.ReadingSession) (uuid.UUID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE reading_sessions
		SET status = 'complete', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status != 'complete'
		RETURNING updated_at
	`, s.ID, s.UserID).Scan(&s.UpdatedAt)
	if err != nil {
		return uuid.Nil, err
	}
	s.Status = models.SessionComplete

	cardsBytes, err := json.Marshal(s.SessionState.CardsDrawn)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode drawn cards: %w", err)
	}

	readingID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO readings (id, user_id, session_id, spread_type, question, cards_json, interpretation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, readingID, s.UserID, s.ID, s.SpreadType, s.Question, cardsBytes, s.Interpretation)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create reading: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit completion: %w", err)
	}
	return readingID, nil
}
