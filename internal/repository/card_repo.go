package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"wasteland-tarot/internal/models"
)

type CardRepo struct {
	pool *pgxpool.Pool
}

func NewCardRepo(pool *pgxpool.Pool) *CardRepo {
	return &CardRepo{pool: pool}
}

func (r *CardRepo) GetByID(ctx context.Context, id string) (*models.TarotCard, error) {
	card := &models.TarotCard{}
	query := `SELECT id, name, suit, number, upright_meaning, reversed_meaning, description, image_url, created_at
		FROM tarot_cards WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&card.ID, &card.Name, &card.Suit, &card.Number,
		&card.UprightMeaning, &card.ReversedMeaning, &card.Description,
		&card.ImageURL, &card.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (r *CardRepo) List(ctx context.Context, suit string) ([]models.TarotCard, error) {
	query := `SELECT id, name, suit, number, upright_meaning, reversed_meaning, description, image_url, created_at
		FROM tarot_cards`
	args := []interface{}{}
	if suit != "" {
		query += " WHERE suit = $1"
		args = append(args, suit)
	}
	query += " ORDER BY suit, number"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []models.TarotCard{}
	for rows.Next() {
		var card models.TarotCard
		if err := rows.Scan(
			&card.ID, &card.Name, &card.Suit, &card.Number,
			&card.UprightMeaning, &card.ReversedMeaning, &card.Description,
			&card.ImageURL, &card.CreatedAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// DrawRandom pulls n distinct cards from the deck.
func (r *CardRepo) DrawRandom(ctx context.Context, n int) ([]models.TarotCard, error) {
	query := `SELECT id, name, suit, number, upright_meaning, reversed_meaning, description, image_url, created_at
		FROM tarot_cards ORDER BY RANDOM() LIMIT $1`

	rows, err := r.pool.Query(ctx, query, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []models.TarotCard{}
	for rows.Next() {
		var card models.TarotCard
		if err := rows.Scan(
			&card.ID, &card.Name, &card.Suit, &card.Number,
			&card.UprightMeaning, &card.ReversedMeaning, &card.Description,
			&card.ImageURL, &card.CreatedAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}
