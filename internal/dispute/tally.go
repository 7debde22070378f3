package dispute

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Tally is the weighted count of a set of votes.
type Tally struct {
	Outcome   Outcome
	Scores    map[Outcome]decimal.Decimal
	TieBroken bool
}

// Count scores votes per outcome (sum of weight * confidence / 10) and
// picks the highest. Ties go through policy. No votes is a split.
func Count(votes []Vote, policy TieBreakPolicy) Tally {
	scores := make(map[Outcome]decimal.Decimal, len(Outcomes))
	for _, o := range Outcomes {
		scores[o] = decimal.Zero
	}
	if len(votes) == 0 {
		return Tally{Outcome: OutcomeSplitFunds, Scores: scores}
	}
	for _, v := range votes {
		scores[v.Outcome] = scores[v.Outcome].Add(v.Score())
	}

	best := decimal.Zero
	var leaders []Outcome
	for _, o := range Outcomes {
		switch s := scores[o]; {
		case s.GreaterThan(best):
			best = s
			leaders = []Outcome{o}
		case s.Equal(best) && s.IsPositive():
			leaders = append(leaders, o)
		}
	}
	if len(leaders) == 1 {
		return Tally{Outcome: leaders[0], Scores: scores}
	}
	return Tally{Outcome: breakTie(leaders, votes, policy), Scores: scores, TieBroken: true}
}

func breakTie(tied []Outcome, votes []Vote, policy TieBreakPolicy) Outcome {
	switch policy {
	case TieBreakSplit:
		return OutcomeSplitFunds
	case TieBreakFavorBuyer:
		for _, o := range []Outcome{OutcomeBuyerWins, OutcomeSplitFunds, OutcomeSellerWins} {
			if containsOutcome(tied, o) {
				return o
			}
		}
	}
	ordered := append([]Vote(nil), votes...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CastAt.Before(ordered[j].CastAt) })
	for _, v := range ordered {
		if containsOutcome(tied, v.Outcome) {
			return v.Outcome
		}
	}
	return tied[0]
}

func containsOutcome(list []Outcome, o Outcome) bool {
	for _, x := range list {
		if x == o {
			return true
		}
	}
	return false
}

// Split divides the dispute amount for an outcome. A split rounds the
// buyer half down to the cent and gives the seller the remainder.
func Split(o Outcome, amountUSD decimal.Decimal) (buyer, seller decimal.Decimal) {
	switch o {
	case OutcomeBuyerWins:
		return amountUSD, decimal.Zero
	case OutcomeSellerWins:
		return decimal.Zero, amountUSD
	default:
		buyer = amountUSD.Div(decimal.NewFromInt(2)).RoundDown(2)
		return buyer, amountUSD.Sub(buyer)
	}
}

// Rewards splits 1% of the dispute amount evenly across voters, paying
// 1.5x to voters aligned with the outcome and 0.5x to the rest.
func Rewards(votes []Vote, outcome Outcome, amountUSD decimal.Decimal) []Reward {
	if len(votes) == 0 {
		return nil
	}
	share := amountUSD.Mul(RewardPoolRate).Div(decimal.NewFromInt(int64(len(votes))))
	aligned, misaligned := decimal.RequireFromString("1.5"), decimal.RequireFromString("0.5")
	out := make([]Reward, len(votes))
	for i, v := range votes {
		mult := misaligned
		if v.Outcome == outcome {
			mult = aligned
		}
		out[i] = Reward{ArbitratorID: v.ArbitratorID, AmountUSD: share.Mul(mult).Round(2), Aligned: v.Outcome == outcome}
	}
	return out
}

// Confidence is the weight-averaged confidence of the votes.
func Confidence(votes []Vote) decimal.Decimal {
	var num, den int64
	for _, v := range votes {
		num += int64(v.Weight * v.Confidence)
		den += int64(v.Weight)
	}
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).Div(decimal.NewFromInt(den)).Round(2)
}

// Reputation applies one case result to a reputation score.
func Reputation(current int, aligned bool) int {
	if aligned {
		current += AlignedBonus
	} else {
		current -= MisalignedPenalty
	}
	return max(0, min(MaxReputation, current))
}

func reasoning(t Tally, votes []Vote, assigned int, trigger string) string {
	if len(votes) == 0 {
		return fmt.Sprintf("No votes before the deadline; funds split (panel of %d)", assigned)
	}
	parts := make([]string, 0, len(Outcomes))
	for _, o := range Outcomes {
		if t.Scores[o].IsPositive() {
			parts = append(parts, fmt.Sprintf("%s %s", o, t.Scores[o].StringFixed(2)))
		}
	}
	msg := fmt.Sprintf("Weighted panel vote: %s (%d of %d voted, %s)", strings.Join(parts, ", "), len(votes), assigned, trigger)
	if t.TieBroken {
		msg += "; tie broken"
	}
	return msg
}
