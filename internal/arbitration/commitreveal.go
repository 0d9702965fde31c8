package arbitration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrNotParticipant       = errors.New("not a round participant")
	ErrAlreadyCommitted     = errors.New("already committed")
	ErrAlreadyRevealed      = errors.New("already revealed")
	ErrNotCommitted         = errors.New("no commitment to reveal")
	ErrCommitmentMismatch   = errors.New("reveal does not match commitment")
	ErrWrongPhase           = errors.New("operation not allowed in current round phase")
	ErrQuorumNotMet         = errors.New("not enough reveals to derive a seed")
	ErrInvalidRound         = errors.New("invalid commit-reveal round")
	ErrRoundStillCollecting = errors.New("round still collecting reveals")
)

// Phase of a commit-reveal round.
type Phase string

const (
	PhaseCommit    Phase = "commit"
	PhaseReveal    Phase = "reveal"
	PhaseFinalized Phase = "finalized"
	PhaseFailed    Phase = "failed"
)

// Round is a commit-reveal seed generation between a fixed participant set.
// Each participant commits keccak256(address || seed || salt), then reveals
// seed and salt. The final seed hashes the revealed seeds in participant
// order, so no single participant can steer it once the others committed.
type Round struct {
	Participants   []string               `json:"participants"`
	Quorum         int                    `json:"quorum"`
	OpenedAt       time.Time              `json:"openedAt"`
	CommitDeadline time.Time              `json:"commitDeadline"`
	RevealDeadline time.Time              `json:"revealDeadline"`
	Commitments    map[string]common.Hash `json:"commitments"`
	Reveals        map[string]common.Hash `json:"reveals"`
	Seed           *common.Hash           `json:"seed,omitempty"`
	Failed         bool                   `json:"failed,omitempty"`
}

// NewRound opens a round. The reveal deadline follows the commit deadline by
// revealWindow; reveals open early once every participant committed.
func NewRound(participants []string, quorum int, now time.Time, commitWindow, revealWindow time.Duration) (*Round, error) {
	if len(participants) == 0 || commitWindow <= 0 || revealWindow <= 0 {
		return nil, ErrInvalidRound
	}
	ps := make([]string, len(participants))
	for i, p := range participants {
		ps[i] = strings.ToLower(p)
	}
	if quorum <= 0 || quorum > len(ps) {
		quorum = len(ps)
	}
	commitDeadline := now.Add(commitWindow)
	return &Round{
		Participants:   ps,
		Quorum:         quorum,
		OpenedAt:       now,
		CommitDeadline: commitDeadline,
		RevealDeadline: commitDeadline.Add(revealWindow),
		Commitments:    make(map[string]common.Hash),
		Reveals:        make(map[string]common.Hash),
	}, nil
}

// Commitment is the value a participant submits in the commit phase.
func Commitment(participant string, seed, salt common.Hash) common.Hash {
	addr := common.HexToAddress(participant)
	return crypto.Keccak256Hash(addr.Bytes(), seed.Bytes(), salt.Bytes())
}

// PhaseAt returns the phase of the round at now.
func (r *Round) PhaseAt(now time.Time) Phase {
	switch {
	case r.Seed != nil:
		return PhaseFinalized
	case r.Failed:
		return PhaseFailed
	case len(r.Commitments) == len(r.Participants) && now.Before(r.RevealDeadline):
		return PhaseReveal
	case now.Before(r.CommitDeadline):
		return PhaseCommit
	case now.Before(r.RevealDeadline):
		return PhaseReveal
	}
	// Past both deadlines the round only awaits Finalize.
	return PhaseReveal
}

func (r *Round) isParticipant(actor string) bool {
	return slices.Contains(r.Participants, actor)
}

// Commit records actor's commitment.
func (r *Round) Commit(actor string, commitment common.Hash, now time.Time) error {
	actor = strings.ToLower(actor)
	if !r.isParticipant(actor) {
		return ErrNotParticipant
	}
	if r.PhaseAt(now) != PhaseCommit {
		return ErrWrongPhase
	}
	if _, ok := r.Commitments[actor]; ok {
		return ErrAlreadyCommitted
	}
	r.Commitments[actor] = commitment
	return nil
}

// Reveal checks seed and salt against actor's commitment and records seed.
func (r *Round) Reveal(actor string, seed, salt common.Hash, now time.Time) error {
	actor = strings.ToLower(actor)
	if !r.isParticipant(actor) {
		return ErrNotParticipant
	}
	if r.PhaseAt(now) != PhaseReveal || !now.Before(r.RevealDeadline) {
		return ErrWrongPhase
	}
	want, ok := r.Commitments[actor]
	if !ok {
		return ErrNotCommitted
	}
	if _, ok := r.Reveals[actor]; ok {
		return ErrAlreadyRevealed
	}
	if Commitment(actor, seed, salt) != want {
		return ErrCommitmentMismatch
	}
	r.Reveals[actor] = seed
	return nil
}

// Ready reports whether Finalize can run at now.
func (r *Round) Ready(now time.Time) bool {
	if r.Seed != nil || r.Failed {
		return false
	}
	return len(r.Reveals) == len(r.Participants) || !now.Before(r.RevealDeadline)
}

// Finalize derives the seed once every participant revealed or the reveal
// deadline passed. With fewer than Quorum reveals the round fails.
func (r *Round) Finalize(now time.Time) (*uint256.Int, error) {
	switch r.PhaseAt(now) {
	case PhaseFinalized, PhaseFailed:
		return nil, ErrWrongPhase
	case PhaseCommit, PhaseReveal:
	}
	if !r.Ready(now) {
		return nil, ErrRoundStillCollecting
	}
	if len(r.Reveals) < r.Quorum {
		r.Failed = true
		return nil, fmt.Errorf("%w: %d of %d", ErrQuorumNotMet, len(r.Reveals), r.Quorum)
	}

	buf := make([]byte, 0, len(r.Reveals)*common.HashLength)
	for _, p := range r.Participants {
		if seed, ok := r.Reveals[p]; ok {
			buf = append(buf, seed.Bytes()...)
		}
	}
	seed := crypto.Keccak256Hash(buf)
	r.Seed = &seed
	return new(uint256.Int).SetBytes(seed.Bytes()), nil
}

// Clone returns an independent copy.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Participants = slices.Clone(r.Participants)
	cp.Commitments = make(map[string]common.Hash, len(r.Commitments))
	for k, v := range r.Commitments {
		cp.Commitments[k] = v
	}
	cp.Reveals = make(map[string]common.Hash, len(r.Reveals))
	for k, v := range r.Reveals {
		cp.Reveals[k] = v
	}
	if r.Seed != nil {
		s := *r.Seed
		cp.Seed = &s
	}
	return &cp
}
