// Package ticket implements the HTTP-issued signaling ticket and
// resumption-token protocol (C4), grounded on original_source's
// crates/controller/src/api/signaling/ticket.rs.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/store"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
const tokenLength = 64

// ErrSessionRunning is returned by StartOrContinue when the resumed (or
// fresh) participant is already present in the room.
var ErrSessionRunning = errors.New("ticket: session_running")

// ErrNotFound is returned by Redeem when the ticket token is unknown
// (already redeemed, expired, or never issued).
var ErrNotFound = errors.New("ticket: not found")

// Kind distinguishes the participant kinds named in spec.md §3.
type Kind string

const (
	KindUser     Kind = "user"
	KindGuest    Kind = "guest"
	KindSip      Kind = "sip"
	KindRecorder Kind = "recorder"
)

// Subject identifies who the ticket is for. UserID is empty for guest/sip/
// recorder kinds, which have no stable directory identity.
type Subject struct {
	Kind   Kind   `json:"kind"`
	UserID string `json:"user_id,omitempty"`
}

// RoomRef is the composite SignalingRoomId from spec.md §3.
type RoomRef struct {
	RoomID      string  `json:"room_id"`
	BreakoutID  *string `json:"breakout_id,omitempty"`
}

// Data is TicketData: what gets written to the store under the ticket's
// random key with a 30s TTL and read-and-deleted exactly once at websocket
// open.
type Data struct {
	ParticipantID   string  `json:"participant_id"`
	Resuming        bool    `json:"resuming"`
	Subject         Subject `json:"subject"`
	Room            RoomRef `json:"room"`
	ResumptionToken string  `json:"resumption_token"`
}

// resumptionData is ResumptionData: one-shot, consumed on first successful
// reuse to recover the previous ParticipantId.
type resumptionData struct {
	ParticipantID string  `json:"participant_id"`
	Subject       Subject `json:"subject"`
	Room          RoomRef `json:"room"`
}

// Service issues and redeems tickets.
type Service struct {
	store         *store.Client
	ticketTTL     time.Duration
	resumptionTTL time.Duration
}

// NewService builds a ticket Service with the configured TTLs (SPEC_FULL.md
// §2: ticket TTL defaults to 30s, resumption TTL to something longer).
func NewService(st *store.Client, ticketTTL, resumptionTTL time.Duration) *Service {
	return &Service{store: st, ticketTTL: ticketTTL, resumptionTTL: resumptionTTL}
}

func ticketKey(token string) string          { return "signaling:ticket=" + token }
func resumptionKey(token string) string      { return "signaling:resumption=" + token }
func presenceKey(room RoomRef) string        { return fmt.Sprintf("signaling:room=%s:participants", roomScope(room)) }
func roomScope(room RoomRef) string {
	if room.BreakoutID != nil {
		return room.RoomID + ":" + *room.BreakoutID
	}
	return room.RoomID
}

// GenerateToken mints a 64-character alphanumeric opaque token, matching
// TicketToken::generate() in original_source.
func GenerateToken() string {
	buf := make([]byte, tokenLength)
	_, _ = rand.Read(buf)
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out)
}

// StartOrContinue implements spec.md §4.4's
// start_or_continue_signaling_session: it resolves (or reuses) a
// ParticipantId, mints a fresh resumption token, and writes TicketData under
// a random ticket token with the configured TTL.
func (s *Service) StartOrContinue(ctx context.Context, subject Subject, room RoomRef, resumption string) (ticketToken, resumptionToken string, err error) {
	participantID := uuid.NewString()
	resuming := false

	if resumption != "" {
		raw, getErr := s.store.GetDel(ctx, resumptionKey(resumption))
		if getErr == nil {
			var rd resumptionData
			if jsonErr := json.Unmarshal([]byte(raw), &rd); jsonErr == nil &&
				roomScope(rd.Room) == roomScope(room) && rd.Subject == subject {
				participantID = rd.ParticipantID
				resuming = true
			}
			// Any mismatch (wrong room/subject) silently falls through to a
			// fresh ParticipantId, per spec.md §4.4 step 1.
		} else if !errors.Is(getErr, store.ErrNotFound) {
			return "", "", fmt.Errorf("ticket: resolve resumption: %w", getErr)
		}
	}

	already, err := s.store.SIsMember(ctx, presenceKey(room), participantID)
	if err != nil {
		return "", "", fmt.Errorf("ticket: check presence: %w", err)
	}
	if already {
		metrics.TicketRedemptions.WithLabelValues("session_running").Inc()
		return "", "", ErrSessionRunning
	}

	resumptionToken = GenerateToken()
	rd := resumptionData{ParticipantID: participantID, Subject: subject, Room: room}
	rdBytes, err := json.Marshal(rd)
	if err != nil {
		return "", "", fmt.Errorf("ticket: marshal resumption data: %w", err)
	}
	if err := s.store.Set(ctx, resumptionKey(resumptionToken), string(rdBytes), s.resumptionTTL); err != nil {
		return "", "", fmt.Errorf("ticket: write resumption data: %w", err)
	}

	ticketToken = GenerateToken()
	td := Data{
		ParticipantID:   participantID,
		Resuming:        resuming,
		Subject:         subject,
		Room:            room,
		ResumptionToken: resumptionToken,
	}
	tdBytes, err := json.Marshal(td)
	if err != nil {
		return "", "", fmt.Errorf("ticket: marshal ticket data: %w", err)
	}
	if _, err := s.store.SetNX(ctx, ticketKey(ticketToken), string(tdBytes), s.ticketTTL); err != nil {
		return "", "", fmt.Errorf("ticket: write ticket: %w", err)
	}

	return ticketToken, resumptionToken, nil
}

// Redeem atomically reads and deletes the ticket at token, enforcing
// at-most-once consumption (spec.md's P2). Returns ErrNotFound if the token
// is unknown, already redeemed, or expired.
func (s *Service) Redeem(ctx context.Context, token string) (*Data, error) {
	raw, err := s.store.GetDel(ctx, ticketKey(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.TicketRedemptions.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ticket: redeem: %w", err)
	}

	var td Data
	if err := json.Unmarshal([]byte(raw), &td); err != nil {
		return nil, fmt.Errorf("ticket: decode ticket data: %w", err)
	}

	already, err := s.store.SIsMember(ctx, presenceKey(td.Room), td.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("ticket: check presence: %w", err)
	}
	if already {
		metrics.TicketRedemptions.WithLabelValues("session_running").Inc()
		return nil, ErrSessionRunning
	}

	metrics.TicketRedemptions.WithLabelValues("redeemed").Inc()
	return &td, nil
}
