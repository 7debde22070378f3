// Package dispute arbitrates contested escrows.
//
// A case is opened when a buyer or seller disputes a locked escrow. The
// engine freezes a panel of staked arbitrators on the case, collects one
// weighted vote from each, and resolves once 60% of the panel has voted or
// the voting deadline passes. The resolution's buyer/seller split is handed
// to a Settler (the escrow service), which moves the locked funds.
//
// Arbitrators and cases live in one Store keyed by id and are only mutated
// through Engine methods.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrCaseNotFound          = errors.New("dispute: case not found")
	ErrArbitratorNotFound    = errors.New("dispute: arbitrator not found")
	ErrDuplicateArbitrator   = errors.New("dispute: arbitrator already registered for wallet")
	ErrAlreadyOpen           = errors.New("dispute: escrow already has an open case")
	ErrAlreadyVoted          = errors.New("dispute: arbitrator already voted on this case")
	ErrNotAssigned           = errors.New("dispute: arbitrator is not assigned to this case")
	ErrVotingClosed          = errors.New("dispute: case is no longer accepting votes")
	ErrNotEnoughArbitrators  = errors.New("dispute: not enough eligible arbitrators")
	ErrInsufficientStake     = errors.New("dispute: stake below tier minimum")
	ErrNotResolved           = errors.New("dispute: case is not resolved")
	ErrAlreadySettled        = errors.New("dispute: resolution already settled")
	ErrInvalidTieBreakPolicy = errors.New("dispute: unknown tie-break policy")
)

// Outcome is an arbitrator's verdict.
type Outcome string

const (
	OutcomeBuyerWins  Outcome = "buyer_wins"
	OutcomeSellerWins Outcome = "seller_wins"
	OutcomeSplitFunds Outcome = "split_funds"
)

// Outcomes lists every outcome in the order ties are reported.
var Outcomes = []Outcome{OutcomeBuyerWins, OutcomeSellerWins, OutcomeSplitFunds}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeBuyerWins || o == OutcomeSellerWins || o == OutcomeSplitFunds
}

// Party is the side of the escrow that opened the case or filed evidence.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Tier is an arbitrator's qualification level.
type Tier string

const (
	TierCommunity Tier = "community"
	TierVerified  Tier = "verified"
	TierExpert    Tier = "expert"
)

// Weight is the tier's vote weight.
func (t Tier) Weight() int {
	switch t {
	case TierExpert:
		return 3
	case TierVerified:
		return 2
	default:
		return 1
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierCommunity || t == TierVerified || t == TierExpert
}

// AtLeast reports whether t meets the min tier.
func (t Tier) AtLeast(min Tier) bool {
	return t.Weight() >= min.Weight()
}

// MinStake is the stake required to register at each tier.
var MinStake = map[Tier]decimal.Decimal{
	TierCommunity: decimal.NewFromInt(1_000),
	TierVerified:  decimal.NewFromInt(5_000),
	TierExpert:    decimal.NewFromInt(25_000),
}

// Panel sizing and tier thresholds.
var (
	ExpertThreshold   = decimal.NewFromInt(100_000) // above: expert panel
	VerifiedThreshold = decimal.NewFromInt(25_000)  // above: verified or better
	LargePanelAbove   = decimal.NewFromInt(50_000)  // above: five arbitrators
	RewardPoolRate    = decimal.RequireFromString("0.01")
)

const (
	SmallPanel        = 3
	LargePanel        = 5
	InitialReputation = 50
	MaxReputation     = 100
	AlignedBonus      = 2
	MisalignedPenalty = 1
)

// RequiredTier returns the minimum arbitrator tier for a dispute amount.
func RequiredTier(amountUSD decimal.Decimal) Tier {
	switch {
	case amountUSD.GreaterThan(ExpertThreshold):
		return TierExpert
	case amountUSD.GreaterThan(VerifiedThreshold):
		return TierVerified
	default:
		return TierCommunity
	}
}

// PanelSize returns how many arbitrators a dispute amount gets.
func PanelSize(amountUSD decimal.Decimal) int {
	if amountUSD.GreaterThan(LargePanelAbove) {
		return LargePanel
	}
	return SmallPanel
}

// Quorum is the number of votes that triggers resolution: ceil(0.6 * n).
func Quorum(assigned int) int {
	return (assigned*6 + 9) / 10
}

// Arbitrator is a staked panelist.
type Arbitrator struct {
	ID              string          `json:"id"`
	Wallet          string          `json:"wallet"`
	Name            string          `json:"name,omitempty"`
	Tier            Tier            `json:"tier"`
	Reputation      int             `json:"reputation"`
	TotalCases      int             `json:"totalCases"`
	CorrectVotes    int             `json:"correctVotes"`
	SuccessRate     decimal.Decimal `json:"successRate"`
	Specializations []string        `json:"specializations,omitempty"`
	StakeUSD        decimal.Decimal `json:"stakeUsd"`
	RewardsUSD      decimal.Decimal `json:"rewardsUsd"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Specializes reports whether the arbitrator lists category.
func (a *Arbitrator) Specializes(category string) bool {
	for _, s := range a.Specializations {
		if strings.EqualFold(s, category) {
			return true
		}
	}
	return false
}

// Status is the state of a case.
type Status string

const (
	StatusVoting    Status = "voting"
	StatusResolved  Status = "resolved"
	StatusWithdrawn Status = "withdrawn"
)

// Evidence is a statement filed by one side.
type Evidence struct {
	Party       Party     `json:"party"`
	Submitter   string    `json:"submitter"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Vote is one arbitrator's verdict. Votes are never modified.
type Vote struct {
	ArbitratorID string    `json:"arbitratorId"`
	Outcome      Outcome   `json:"outcome"`
	Confidence   int       `json:"confidence"`
	Reasoning    string    `json:"reasoning,omitempty"`
	Weight       int       `json:"weight"`
	CastAt       time.Time `json:"castAt"`
}

// Score is the vote's contribution: weight * confidence / 10.
func (v Vote) Score() decimal.Decimal {
	return decimal.NewFromInt(int64(v.Weight * v.Confidence)).Div(decimal.NewFromInt(10))
}

// Reward is an arbitrator's share of the reward pool.
type Reward struct {
	ArbitratorID string          `json:"arbitratorId"`
	AmountUSD    decimal.Decimal `json:"amountUsd"`
	Aligned      bool            `json:"aligned"`
}

// Resolution triggers.
const (
	TriggerQuorum   = "quorum"
	TriggerDeadline = "deadline"
)

// Resolution is the frozen verdict of a case.
type Resolution struct {
	Outcome    Outcome                     `json:"outcome"`
	BuyerUSD   decimal.Decimal             `json:"buyerUsd"`
	SellerUSD  decimal.Decimal             `json:"sellerUsd"`
	Confidence decimal.Decimal             `json:"confidence"`
	Scores     map[Outcome]decimal.Decimal `json:"scores"`
	Reasoning  string                      `json:"reasoning"`
	Trigger    string                      `json:"trigger"`
	TieBroken  bool                        `json:"tieBroken,omitempty"`
	Rewards    []Reward                    `json:"rewards,omitempty"`
	ResolvedAt time.Time                   `json:"resolvedAt"`
}

// Case is a dispute over one escrow.
type Case struct {
	ID              string          `json:"id"`
	EscrowID        string          `json:"escrowId"`
	Chain           string          `json:"chain"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category,omitempty"`
	AmountUSD       decimal.Decimal `json:"amountUsd"`
	Initiator       Party           `json:"initiator"`
	InitiatorWallet string          `json:"initiatorWallet"`
	Evidence        []Evidence      `json:"evidence"`
	RequiredTier    Tier            `json:"requiredTier"`
	Arbitrators     []string        `json:"arbitrators"`
	Votes           []Vote          `json:"votes"`
	Status          Status          `json:"status"`
	VotingDeadline  time.Time       `json:"votingDeadline"`
	Resolution      *Resolution     `json:"resolution,omitempty"`
	Settled         bool            `json:"settled"`
	SettlementError string          `json:"settlementError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsAssigned reports whether the arbitrator sits on the panel.
func (c *Case) IsAssigned(arbitratorID string) bool {
	for _, id := range c.Arbitrators {
		if id == arbitratorID {
			return true
		}
	}
	return false
}

// HasVoted reports whether the arbitrator already voted.
func (c *Case) HasVoted(arbitratorID string) bool {
	for _, v := range c.Votes {
		if v.ArbitratorID == arbitratorID {
			return true
		}
	}
	return false
}

// Store owns arbitrators and cases.
type Store interface {
	CreateArbitrator(ctx context.Context, a *Arbitrator) error
	GetArbitrator(ctx context.Context, id string) (*Arbitrator, error)
	UpdateArbitrator(ctx context.Context, a *Arbitrator) error
	ListArbitrators(ctx context.Context, activeOnly bool) ([]*Arbitrator, error)

	// CreateCase fails with ErrAlreadyOpen when the escrow has a case in voting.
	CreateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	// UpdateCase persists everything but votes.
	UpdateCase(ctx context.Context, c *Case) error
	// AppendVote adds v to a voting case, failing with ErrAlreadyVoted or
	// ErrVotingClosed.
	AppendVote(ctx context.Context, caseID string, v Vote) error
	ListCases(ctx context.Context, status Status, limit int) ([]*Case, error)
	// ListExpired returns voting cases whose deadline is before the given time.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Case, error)
}

// Settler moves escrowed funds according to a resolution. It must be
// idempotent per escrow.
type Settler interface {
	ApplyResolution(ctx context.Context, escrowID, caseID string, res Resolution) error
}

// TieBreakPolicy decides between outcomes with equal weighted scores.
type TieBreakPolicy string

const (
	// TieBreakFirstVote picks the tied outcome that received a vote first.
	TieBreakFirstVote TieBreakPolicy = "first_vote"
	// TieBreakFavorBuyer picks buyer_wins, then split_funds, then seller_wins.
	TieBreakFavorBuyer TieBreakPolicy = "favor_buyer"
	// TieBreakSplit resolves every tie as split_funds.
	TieBreakSplit TieBreakPolicy = "split"
)

// TieBreakPolicies lists every accepted policy.
var TieBreakPolicies = []TieBreakPolicy{TieBreakFirstVote, TieBreakFavorBuyer, TieBreakSplit}

// ParseTieBreakPolicy validates a configured policy name.
func ParseTieBreakPolicy(s string) (TieBreakPolicy, error) {
	p := TieBreakPolicy(s)
	if slices.Contains(TieBreakPolicies, p) {
		return p, nil
	}
	names := make([]string, len(TieBreakPolicies))
	for i, v := range TieBreakPolicies {
		names[i] = string(v)
	}
	return "", fmt.Errorf("%w %q: must be one of %s", ErrInvalidTieBreakPolicy, s, strings.Join(names, ", "))
}
