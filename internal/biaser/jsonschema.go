package biaser

import "github.com/swdunlop/poly-go/internal/llama"

// JSONSchema constrains generation to strings that are a prefix of (and,
// at EOT, a complete) JSON value conforming to a schema. It holds mutable
// grammar-cursor state and must not be shared between concurrent
// generations (spec.md §4.3, §9).
type JSONSchema struct {
	stack []node
}

func NewJSONSchema(schema *Schema) *JSONSchema {
	return &JSONSchema{stack: newStack(compileValue(schema)...)}
}

// Bias enumerates every vocabulary token and keeps the ones whose decoded
// text is a legal continuation of the grammar from the current cursor,
// simulated against a clone so the real cursor only advances via Advance.
// When the grammar is fully satisfied (the cursor stack is empty) it
// forces termination per spec.md §4.3.
func (j *JSONSchema) Bias(vocab llama.Tokenizer, eot llama.TokenID) []llama.BiasPair {
	if len(j.stack) == 0 {
		return []llama.BiasPair{{ID: eot, Weight: 1}}
	}

	var out []llama.BiasPair
	for id := 0; id < vocab.Size(); id++ {
		tok := llama.TokenID(id)
		piece := vocab.Token(tok)
		if len(piece) == 0 {
			continue
		}
		trial := cloneStack(j.stack)
		legal := true
		for _, ch := range piece {
			if !step(&trial, byte(ch)) {
				legal = false
				break
			}
		}
		if legal {
			out = append(out, llama.BiasPair{ID: tok, Weight: 1})
		}
	}
	return out
}

// Advance folds the chosen token's text into the real grammar cursor.
func (j *JSONSchema) Advance(vocab llama.Tokenizer, chosen llama.TokenID) {
	piece := vocab.Token(chosen)
	for _, ch := range piece {
		if !step(&j.stack, byte(ch)) {
			// A token the sampler drew must have passed Bias's simulation
			// using the same stack, so this would only trip if the caller
			// bypassed Bias(); stop advancing rather than corrupt state
			// further.
			return
		}
	}
}
