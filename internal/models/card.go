package models

import "time"

// TarotCard is one entry in the wasteland deck. Major arcana carry an
// empty suit; minor arcana use the four vault suits.
type TarotCard struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Suit            string    `json:"suit"` // "" | "nuka_cola_bottles" | "combat_weapons" | "bottle_caps" | "radiation_rods"
	Number          int       `json:"number"`
	UprightMeaning  string    `json:"upright_meaning"`
	ReversedMeaning string    `json:"reversed_meaning"`
	Description     string    `json:"description"`
	ImageURL        *string   `json:"image_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type CardListResponse struct {
	Cards []TarotCard `json:"cards"`
	Total int         `json:"total"`
}

type DrawCardsRequest struct {
	Count         int  `json:"count"`
	AllowReversed bool `json:"allow_reversed"`
}
