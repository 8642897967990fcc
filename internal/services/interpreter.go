package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"wasteland-tarot/internal/models"
	"wasteland-tarot/internal/repository"
)

const interpreterModel = "gemini-3-flash-preview"

type InterpreterService struct {
	client      *genai.Client
	model       *genai.GenerativeModel
	sessionRepo *repository.SessionRepo
	cardRepo    *repository.CardRepo
	jobRepo     *repository.JobRepo
	redis       *redis.Client
	rateChan    chan struct{} // Token bucket
}

func NewInterpreterService(
	apiKey string,
	concurrentReqs int,
	sessionRepo *repository.SessionRepo,
	cardRepo *repository.CardRepo,
	jobRepo *repository.JobRepo,
	redisClient *redis.Client,
) (*InterpreterService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(interpreterModel)
	model.SetTemperature(0.7)
	model.SetTopP(0.95)

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &InterpreterService{
		client:      client,
		model:       model,
		sessionRepo: sessionRepo,
		cardRepo:    cardRepo,
		jobRepo:     jobRepo,
		redis:       redisClient,
		rateChan:    rateChan,
	}, nil
}

func (s *InterpreterService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *InterpreterService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *InterpreterService) releaseRate() {
	s.rateChan <- struct{}{}
}

// PublishUpdate sends a WebSocket update via Redis pub/sub
func (s *InterpreterService) PublishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, _ := json.Marshal(msg)
	s.redis.Publish(ctx, fmt.Sprintf("user_updates:%s", userID.String()), string(data))
}

// GenerateInterpretation handles the full reading interpretation flow:
// one streamed pass per drawn card, then a closing synthesis.
func (s *InterpreterService) GenerateInterpretation(ctx context.Context, job *models.Job, session *models.ReadingSession) error {
	if err := s.acquireRate(ctx); err != nil {
		return err
	}
	defer s.releaseRate()

	var config struct {
		Tone       string `json:"tone"`
		KarmaLevel string `json:"karma_level"`
		Faction    string `json:"faction"`
	}
	json.Unmarshal(job.ConfigJSON, &config)

	draws := session.SessionState.CardsDrawn
	if len(draws) == 0 {
		return fmt.Errorf("session %s has no drawn cards", session.ID)
	}

	s.PublishUpdate(ctx, job.UserID, models.WSMessage{
		Type: "status_update",
		Payload: models.StatusUpdate{
			JobID: job.ID, SessionID: session.ID,
			Step: 1, StepName: "Consulting the Cards",
		},
	})

	var full strings.Builder
	for i, draw := range draws {
		meaning := s.cardMeaning(ctx, draw)
		prompt := buildCardPrompt(session, draw, meaning, i, len(draws), config.Tone, config.KarmaLevel, config.Faction)

		text, err := s.streamCard(ctx, job, session.ID, i, prompt)
		if err != nil {
			return fmt.Errorf("Gemini API error on card %d: %w", i, err)
		}
		if text == "" {
			log.Printf("WARNING: Gemini returned empty interpretation for card %d, using fallback", i)
			text = fallbackInterpretation(draw)
		}

		if i > 0 {
			full.WriteString("\n\n")
		}
		full.WriteString(fmt.Sprintf("## %s (%s)\n\n%s", draw.Name, draw.Orientation, text))
	}

	// Closing synthesis across the whole spread
	s.PublishUpdate(ctx, job.UserID, models.WSMessage{
		Type: "status_update",
		Payload: models.StatusUpdate{
			JobID: job.ID, SessionID: session.ID,
			Step: 2, StepName: "Reading the Wasteland's Verdict",
		},
	})

	synthesis, score := s.synthesize(ctx, session, full.String())
	if synthesis != "" {
		full.WriteString("\n\n## The Verdict\n\n")
		full.WriteString(synthesis)
	}

	return s.sessionRepo.SetInterpretation(ctx, session.ID, full.String(), score, interpreterModel)
}

// streamCard runs one streamed generation call, forwarding chunks over
// pub/sub as they arrive and returning the assembled text.
func (s *InterpreterService) streamCard(ctx context.Context, job *models.Job, sessionID string, cardPosition int, prompt string) (string, error) {
	iter := s.model.GenerateContentStream(ctx, genai.Text(prompt))

	var text strings.Builder
	chunksSent := 0
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", err
		}

		chunk := extractText(resp)
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		chunksSent++

		s.PublishUpdate(ctx, job.UserID, models.WSMessage{
			Type: "interpretation_chunk",
			Payload: models.InterpretationChunk{
				JobID:        job.ID,
				SessionID:    sessionID,
				CardPosition: cardPosition,
				Chunk:        chunk,
				ChunksSent:   chunksSent,
			},
		})
	}

	return strings.TrimSpace(text.String()), nil
}

// synthesize produces the closing paragraph plus a 0-1 confidence score.
// Failures here degrade to no synthesis rather than failing the job.
func (s *InterpreterService) synthesize(ctx context.Context, session *models.ReadingSession, cardsText string) (string, float64) {
	prompt := fmt.Sprintf(`You are a wasteland fortune teller closing out a reading.
The seeker asked: %q

Below are the per-card interpretations already delivered. Write a short closing verdict (under 120 words) tying them together, then on the final line output exactly: SCORE: <number between 0 and 1> reflecting how coherent the spread is.

%s`, session.Question, cardsText[:min(len(cardsText), 4000)])

	resp, err := s.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		log.Printf("WARNING: synthesis call failed: %v", err)
		return "", 0.5
	}

	raw := strings.TrimSpace(extractText(resp))
	score := 0.5
	if idx := strings.LastIndex(raw, "SCORE:"); idx >= 0 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw[idx+6:]), 64); err == nil && v >= 0 && v <= 1 {
			score = v
		}
		raw = strings.TrimSpace(raw[:idx])
	}

	return raw, score
}

// cardMeaning looks up the deck entry for a draw. A missing card is not
// fatal; the prompt just carries less context.
func (s *InterpreterService) cardMeaning(ctx context.Context, draw models.CardDraw) string {
	card, err := s.cardRepo.GetByID(ctx, draw.CardID)
	if err != nil || card == nil {
		return ""
	}
	if draw.Orientation == "reversed" {
		return card.ReversedMeaning
	}
	return card.UprightMeaning
}

// Helper functions

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

func buildCardPrompt(session *models.ReadingSession, draw models.CardDraw, meaning string, position, total int, tone, karma, faction string) string {
	var b strings.Builder

	// Layer 1: Role
	b.WriteString("You are a fortune teller in a post-nuclear wasteland, interpreting cards from a scavenged tarot deck for a vault dweller. Stay in character.\n\n")

	// Layer 2: The question
	b.WriteString(fmt.Sprintf("The seeker's question: %q\n\n", session.Question))

	// Layer 3: The card
	b.WriteString(fmt.Sprintf("Card %d of %d: %s, drawn %s", position+1, total, draw.Name, draw.Orientation))
	if draw.Suit != "" {
		b.WriteString(fmt.Sprintf(" (suit of %s)", strings.ReplaceAll(draw.Suit, "_", " ")))
	}
	b.WriteString(".\n")
	if draw.PositionName != nil {
		b.WriteString(fmt.Sprintf("Spread position: %s", *draw.PositionName))
		if draw.PositionMeaning != nil {
			b.WriteString(fmt.Sprintf(" (%s)", *draw.PositionMeaning))
		}
		b.WriteString(".\n")
	}
	if meaning != "" {
		b.WriteString(fmt.Sprintf("Traditional meaning: %s\n", meaning))
	}
	b.WriteString("\n")

	// Layer 4: Seeker context
	if karma != "" {
		b.WriteString(fmt.Sprintf("The seeker's karma is %s; let that color the reading.\n", karma))
	}
	if faction != "" {
		b.WriteString(fmt.Sprintf("The seeker travels with the %s.\n", faction))
	}
	if tone != "" {
		b.WriteString(fmt.Sprintf("Tone: %s.\n", tone))
	}
	b.WriteString("\n")

	// Layer 5: Output rules
	b.WriteString("Interpret this one card for the seeker's question in 80-150 words. Plain prose only. No markdown headers, no lists, no preamble about being an AI.\n")

	return b.String()
}

func fallbackInterpretation(draw models.CardDraw) string {
	return fmt.Sprintf("The static on the wire swallowed the reading for %s. The card sits %s on the table, waiting. Draw breath, check your Geiger counter, and ask again when the interference clears.", draw.Name, draw.Orientation)
}
