// Package sampler implements C3: combine model logits with the biaser's
// bias, apply temperature/top-k/top-p/repetition-penalty, and draw one
// token from the resulting distribution.
package sampler

import (
	"math"
	"math/rand"
	"sort"

	"github.com/swdunlop/poly-go/internal/llama"
)

// forbidden is the large negative additive bias spec.md §4.3 assigns to
// every token absent from a non-empty Biaser result.
const forbidden = -1e9

// TopPTopK is the session's sampler: the bias overlay, then a repetition
// penalty over the recent tokens (the last RepetitionPenaltyLastN, as the
// caller passes them), then temperature, top-k and top-p, in that order,
// matching the teacher's llm_go_sample pipeline but implemented in
// Go so internal/biaser's bias pairs (rather than llama.cpp's own
// logit-bias API) drive admissibility.
type TopPTopK struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
}

type candidate struct {
	id    llama.TokenID
	logit float32
}

func (s *TopPTopK) Sample(logits []float32, bias []llama.BiasPair, recent []llama.TokenID, rng *rand.Rand) (llama.TokenID, error) {
	work := make([]float32, len(logits))
	copy(work, logits)

	if len(bias) > 0 {
		for i := range work {
			work[i] += forbidden
		}
		for _, b := range bias {
			if int(b.ID) < len(work) {
				work[int(b.ID)] = logits[int(b.ID)] + b.Weight
			}
		}
	}

	applyRepetitionPenalty(work, recent, s.RepetitionPenalty)

	if s.Temperature > 0 {
		for i := range work {
			work[i] /= s.Temperature
		}
	}

	cands := make([]candidate, len(work))
	for i, l := range work {
		cands[i] = candidate{id: llama.TokenID(i), logit: l}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	if s.TopK > 0 && s.TopK < len(cands) {
		cands = cands[:s.TopK]
	}

	probs := softmax(cands)

	if s.TopP > 0 && s.TopP < 1 {
		cands, probs = restrictToTopP(cands, probs, s.TopP)
	}

	if s.Temperature <= 0 {
		return cands[0].id, nil
	}
	return draw(cands, probs, rng), nil
}

// applyRepetitionPenalty divides a positive logit by penalty and multiplies
// a negative logit by penalty for every token seen in the last-N window,
// per spec.md §4.4's "standard repetition-penalty form".
func applyRepetitionPenalty(logits []float32, recent []llama.TokenID, penalty float32) {
	if penalty <= 1 {
		return
	}
	seen := make(map[llama.TokenID]bool, len(recent))
	for _, id := range recent {
		if seen[id] || int(id) >= len(logits) {
			continue
		}
		seen[id] = true
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

func softmax(cands []candidate) []float64 {
	if len(cands) == 0 {
		return nil
	}
	max := cands[0].logit
	sum := 0.0
	probs := make([]float64, len(cands))
	for i, c := range cands {
		p := math.Exp(float64(c.logit - max))
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// restrictToTopP keeps the smallest prefix of the (already logit-sorted)
// candidates whose cumulative probability reaches topP, then renormalizes.
func restrictToTopP(cands []candidate, probs []float64, topP float32) ([]candidate, []float64) {
	cum := 0.0
	cut := len(cands)
	for i, p := range probs {
		cum += p
		if cum >= float64(topP) {
			cut = i + 1
			break
		}
	}
	cands = cands[:cut]
	probs = probs[:cut]
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return cands, probs
}

func draw(cands []candidate, probs []float64, rng *rand.Rand) llama.TokenID {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r <= cum {
			return cands[i].id
		}
	}
	return cands[len(cands)-1].id
}
