package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"wasteland-tarot/internal/models"
)

type ReadingRepo struct {
	pool *pgxpool.Pool
}

func NewReadingRepo(pool *pgxpool.Pool) *ReadingRepo {
	return &ReadingRepo{pool: pool}
}

func (r *ReadingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Reading, error) {
	reading := &models.Reading{}
	query := `SELECT id, user_id, session_id, spread_type, question, cards_json, interpretation, is_favorite, created_at
		FROM readings WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&reading.ID, &reading.UserID, &reading.SessionID, &reading.SpreadType,
		&reading.Question, &reading.CardsJSON, &reading.Interpretation,
		&reading.IsFavorite, &reading.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return reading, nil
}

func (r *ReadingRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Reading, int, error) {
	var total int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM readings WHERE user_id = $1", userID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT id, user_id, session_id, spread_type, question, cards_json, interpretation, is_favorite, created_at
		FROM readings WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	readings := []*models.Reading{}
	for rows.Next() {
		reading := &models.Reading{}
		if err := rows.Scan(
			&reading.ID, &reading.UserID, &reading.SessionID, &reading.SpreadType,
			&reading.Question, &reading.CardsJSON, &reading.Interpretation,
			&reading.IsFavorite, &reading.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		readings = append(readings, reading)
	}
	return readings, total, rows.Err()
}

func (r *ReadingRepo) ToggleFavorite(ctx context.Context, id, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE readings SET is_favorite = NOT is_favorite WHERE id = $1 AND user_id = $2", id, userID)
	return err
}

func (r *ReadingRepo) Delete(ctx context.Context, id, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM readings WHERE id = $1 AND user_id = $2", id, userID)
	return err
}
