// Package legalvote implements the legal-vote module (C9): a
// moderator-started, binding yes/no(/abstain) vote restricted to an
// explicit allow-list of participants, each of whom may cast exactly one
// vote. Grounded in original_source's crates/legal-vote (allowed_users/
// allowed_tokens one-shot voter sets, the vote_count sorted set, and the
// history set of ended vote ids that END_CURRENT_VOTE_SCRIPT populates,
// reused here via store.Client.EndVote). Unlike polls, no LiveUpdate is
// broadcast while a legal vote is running — the crate's outgoing message
// set never defines one, consistent with a legally-binding vote not
// revealing a running tally before it closes.
package legalvote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riftcall/signaling/internal/metrics"
	"github.com/riftcall/signaling/internal/signaling"
	"github.com/riftcall/signaling/internal/store"
	"github.com/google/uuid"
)

const Namespace = "legal_vote"

var (
	ErrNotModerator     = fmt.Errorf("legal_vote: moderator permission required")
	ErrVoteAlreadyActive = fmt.Errorf("legal_vote: vote_already_active")
	ErrNoVoteActive     = fmt.Errorf("legal_vote: no_vote_active")
	ErrInvalidVoteID    = fmt.Errorf("legal_vote: invalid_vote_id")
	ErrIneligible       = fmt.Errorf("legal_vote: ineligible")
)

// Option is a vote choice.
type Option string

const (
	OptionYes     Option = "yes"
	OptionNo      Option = "no"
	OptionAbstain Option = "abstain"
)

// Parameters is the Parameters value stored at vote start time, matching
// storage/parameters.rs's VoteParametersKey value.
type Parameters struct {
	VoteID        string                    `json:"vote_id"`
	Topic         string                    `json:"topic"`
	EnableAbstain bool                      `json:"enable_abstain"`
	AllowedVoters []signaling.ParticipantID `json:"allowed_voters"`
	Started       time.Time                 `json:"started"`
}

// Module is the per-room legal-vote module instance.
type Module struct {
	signaling.NoopModule
	room signaling.RoomRef
}

func NewFactory() signaling.Factory {
	return func(room signaling.RoomRef) signaling.Module {
		return &Module{room: room}
	}
}

func (m *Module) Namespace() string { return Namespace }

func currentVoteIDKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:vote:current_id", room.Scope())
}
func historyKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:vote:history", room.Scope())
}
func parametersKey(room signaling.RoomRef, voteID string) string {
	return fmt.Sprintf("signaling:room=%s:vote={%s}:parameters", room.Scope(), voteID)
}
func allowedVotersKey(room signaling.RoomRef, voteID string) string {
	return fmt.Sprintf("signaling:room=%s:vote={%s}:allowed_voters", room.Scope(), voteID)
}
func voteCountKey(room signaling.RoomRef, voteID string) string {
	return fmt.Sprintf("signaling:room=%s:vote={%s}:vote_count", room.Scope(), voteID)
}
func lockKey(room signaling.RoomRef) string {
	return fmt.Sprintf("signaling:room=%s:vote:lock", room.Scope())
}

type command struct {
	Topic         string                    `json:"topic,omitempty"`
	EnableAbstain bool                      `json:"enable_abstain,omitempty"`
	AllowedVoters []signaling.ParticipantID `json:"allowed_voters,omitempty"`
	Action        string                    `json:"action"`
	VoteID        string                    `json:"vote_id,omitempty"`
	Option        Option                    `json:"option,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
}

type started struct {
	VoteID        string `json:"vote_id"`
	Topic         string `json:"topic"`
	EnableAbstain bool   `json:"enable_abstain"`
}
type voteCasted struct {
	VoteID string `json:"vote_id"`
}
type results struct {
	Yes     int64 `json:"yes"`
	No      int64 `json:"no"`
	Abstain *int64 `json:"abstain,omitempty"`
}
type stopped struct {
	VoteID  string  `json:"vote_id"`
	Kind    string  `json:"kind"`
	Reason  string  `json:"reason,omitempty"`
	Results results `json:"results"`
}

func (m *Module) HandleMessage(ctx context.Context, rt signaling.Runtime, payload json.RawMessage) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("legal_vote: decode command: %w", err)
	}

	switch cmd.Action {
	case "start":
		return m.start(ctx, rt, cmd)
	case "vote":
		return m.vote(ctx, rt, cmd)
	case "stop":
		return m.end(ctx, rt, cmd, "stopped")
	case "cancel":
		return m.end(ctx, rt, cmd, "canceled")
	default:
		return fmt.Errorf("legal_vote: unknown action %q", cmd.Action)
	}
}

func (m *Module) start(ctx context.Context, rt signaling.Runtime, cmd command) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}

	voteID := uuid.NewString()
	ok, err := rt.Store().SetNX(ctx, currentVoteIDKey(m.room), voteID, 0)
	if err != nil {
		return fmt.Errorf("legal_vote: set current vote id: %w", err)
	}
	if !ok {
		return ErrVoteAlreadyActive
	}

	params := Parameters{
		VoteID: voteID, Topic: cmd.Topic, EnableAbstain: cmd.EnableAbstain,
		AllowedVoters: cmd.AllowedVoters, Started: time.Now().UTC(),
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("legal_vote: marshal parameters: %w", err)
	}
	if err := rt.Store().Set(ctx, parametersKey(m.room, voteID), string(raw), 0); err != nil {
		return fmt.Errorf("legal_vote: write parameters: %w", err)
	}

	voters := make([]string, len(cmd.AllowedVoters))
	for i, v := range cmd.AllowedVoters {
		voters[i] = string(v)
	}
	if err := rt.Store().SAdd(ctx, allowedVotersKey(m.room, voteID), voters...); err != nil {
		return fmt.Errorf("legal_vote: write allowed voters: %w", err)
	}

	rt.Broadcast(Namespace, started{VoteID: voteID, Topic: cmd.Topic, EnableAbstain: cmd.EnableAbstain}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, "started").Inc()
	return nil
}

// vote is lock-wrapped to make "check eligible, consume token, tally"
// atomic across concurrent voters, the same way automod's selectUnchecked
// guards its speaker swap — the allowed-voter SREM is the one-shot gate
// VOTE_SCRIPT enforces in original_source.
func (m *Module) vote(ctx context.Context, rt signaling.Runtime, cmd command) error {
	return rt.Lock().WithLock(ctx, lockKey(m.room), func(ctx context.Context) error {
		current, err := rt.Store().Get(ctx, currentVoteIDKey(m.room))
		if err != nil || current != cmd.VoteID {
			return ErrInvalidVoteID
		}

		allowed, err := rt.Store().SIsMember(ctx, allowedVotersKey(m.room, cmd.VoteID), string(rt.Self()))
		if err != nil {
			return fmt.Errorf("legal_vote: check eligibility: %w", err)
		}
		if !allowed {
			return ErrIneligible
		}
		if err := rt.Store().SRem(ctx, allowedVotersKey(m.room, cmd.VoteID), string(rt.Self())); err != nil {
			return fmt.Errorf("legal_vote: consume voter token: %w", err)
		}

		if _, err := rt.Store().ZIncrBy(ctx, voteCountKey(m.room, cmd.VoteID), 1, string(cmd.Option)); err != nil {
			return fmt.Errorf("legal_vote: cast vote: %w", err)
		}

		rt.Emit(Namespace, voteCasted{VoteID: cmd.VoteID})
		metrics.SupplementModuleEvents.WithLabelValues(Namespace, "vote_cast").Inc()
		return nil
	})
}

func (m *Module) end(ctx context.Context, rt signaling.Runtime, cmd command, kind string) error {
	if rt.Role() != signaling.RoleModerator {
		return ErrNotModerator
	}

	endedID, err := rt.Store().EndVote(ctx, currentVoteIDKey(m.room), historyKey(m.room))
	if err != nil {
		return fmt.Errorf("legal_vote: end vote: %w", err)
	}
	if endedID == "" {
		return ErrNoVoteActive
	}

	raw, err := rt.Store().Get(ctx, parametersKey(m.room, endedID))
	var params Parameters
	if err == nil {
		_ = json.Unmarshal([]byte(raw), &params)
	}

	res, err := m.tally(ctx, rt, endedID, params.EnableAbstain)
	if err != nil {
		return err
	}

	rt.Broadcast(Namespace, stopped{VoteID: endedID, Kind: kind, Reason: cmd.Reason, Results: res}, false)
	metrics.SupplementModuleEvents.WithLabelValues(Namespace, kind).Inc()

	_ = rt.Store().Del(ctx, parametersKey(m.room, endedID), allowedVotersKey(m.room, endedID), voteCountKey(m.room, endedID))
	return nil
}

func (m *Module) tally(ctx context.Context, rt signaling.Runtime, voteID string, enableAbstain bool) (results, error) {
	pairs, err := rt.Store().ZWithScores(ctx, voteCountKey(m.room, voteID))
	if err != nil && err != store.ErrNotFound {
		return results{}, fmt.Errorf("legal_vote: tally: %w", err)
	}
	counts := map[string]int64{}
	for _, p := range pairs {
		if member, ok := p.Member.(string); ok {
			counts[member] = int64(p.Score)
		}
	}
	res := results{Yes: counts[string(OptionYes)], No: counts[string(OptionNo)]}
	if enableAbstain {
		abstain := counts[string(OptionAbstain)]
		res.Abstain = &abstain
	}
	return res, nil
}

// Destroy purges room-scoped legal-vote state on room teardown. Per-vote
// parameter/voter/tally keys are addressed by vote id and already cleaned
// up as each vote ends, so only the current-vote pointer and history set
// need a blanket delete here.
func (m *Module) Destroy(ctx context.Context, rt signaling.Runtime, destroyRoom bool) error {
	if !destroyRoom {
		return nil
	}
	return rt.Store().Del(ctx, currentVoteIDKey(m.room), historyKey(m.room))
}
