// Package session implements C6: the per-request generation state machine
// that orchestrates the assembler, memory bridge, biaser, sampler, and
// stop-sequence matcher around one model inference state, grounded on
// original_source/poly-backend/src/session.rs's BackendSession::complete.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/swdunlop/poly-go/internal/assembler"
	"github.com/swdunlop/poly-go/internal/biaser"
	"github.com/swdunlop/poly-go/internal/config"
	"github.com/swdunlop/poly-go/internal/llama"
	"github.com/swdunlop/poly-go/internal/memory"
	"github.com/swdunlop/poly-go/internal/sampler"
	"github.com/swdunlop/poly-go/internal/stats"
	"github.com/swdunlop/poly-go/internal/stopseq"
	"github.com/swdunlop/poly-go/internal/types"
	"github.com/swdunlop/poly-go/internal/utf8buf"
)

// Session is a live generation context: attributes (i)-(vii) of spec.md
// §3's data model, bundled together. Not safe for concurrent Complete calls
// -- the state it owns (the model's KV-cache) belongs to exactly one
// caller at a time.
type Session struct {
	log      *zerolog.Logger
	model    llama.Model
	state    *llama.State
	bridge   *memory.Bridge // nil when the task has no memory store
	taskName string
	task     config.TaskConfig
	stats    *stats.Accumulator
	private  *assembler.PrivateTokens
	schema   *biaser.Schema // nil when the task has no biaser
	rng      *rand.Rand
	threads  int
}

// New constructs a session for one task against an already-loaded model and
// a freshly allocated inference state. Private-token resolution and biaser
// schema loading happen here and are fatal ConfigErrors, per spec.md §3's
// invariant that a malformed task configuration fails session construction,
// not the first request.
func New(log *zerolog.Logger, model llama.Model, state *llama.State, bridge *memory.Bridge, taskName string, task config.TaskConfig, acc *stats.Accumulator, rng *rand.Rand, threads int) (*Session, error) {
	private, err := assembler.ResolvePrivateTokens(model.Tokenizer(), task.PrivateTokens)
	if err != nil {
		return nil, err
	}

	var schema *biaser.Schema
	switch {
	case task.Biaser.SchemaFile != "":
		schema, err = biaser.LoadSchemaFile(task.Biaser.SchemaFile)
	case task.Biaser.Schema != "":
		schema, err = biaser.ParseSchema([]byte(task.Biaser.Schema))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading biaser schema for task %q: %v", types.ErrConfig, taskName, err)
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Session{
		log:      log,
		model:    model,
		state:    state,
		bridge:   bridge,
		taskName: taskName,
		task:     task,
		stats:    acc,
		private:  private,
		schema:   schema,
		rng:      rng,
		threads:  threads,
	}, nil
}

func (s *Session) newBiaser() biaser.Biaser {
	if s.schema != nil {
		return biaser.NewJSONSchema(s.schema)
	}
	return biaser.Null{}
}

// Complete runs one request to termination, matching
// BackendSession::complete: perform the actual generation, log and record
// throughput stats, then memorize the prompt if configured.
func (s *Session) Complete(ctx context.Context, request types.PromptRequest, callback types.Callback) (types.InferenceStats, error) {
	result, err := s.completeActual(ctx, request, callback)
	if err != nil {
		return result, err
	}

	var promptRate, predictRate float64
	if result.FeedPromptDuration > 0 {
		promptRate = float64(result.PromptTokens) / result.FeedPromptDuration.Seconds()
	}
	if result.PredictDuration > 0 {
		predictRate = float64(result.PredictTokens) / result.PredictDuration.Seconds()
	}
	s.log.Info().
		Str("task", s.taskName).
		Float64("prompt_tokens_per_s", promptRate).
		Float64("predict_tokens_per_s", predictRate).
		Int("prompt_tokens", result.PromptTokens).
		Int("predict_tokens", result.PredictTokens).
		Bool("truncated", result.Truncated).
		Msg("completion finished")

	s.stats.Add(s.taskName, result, s.threads)

	if s.task.Memorization.StorePrompts {
		if s.bridge == nil {
			return result, fmt.Errorf("%w: task %q has store_prompts set without a memory store", types.ErrConfig, s.taskName)
		}
		if err := s.bridge.Remember(ctx, request.Prompt); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *Session) completeActual(ctx context.Context, request types.PromptRequest, callback types.Callback) (types.InferenceStats, error) {
	var result types.InferenceStats

	_, hasBOS := s.model.BOSTokenID()
	priorCount := s.state.Length()

	reminder, err := s.recall(ctx, request.Prompt)
	if err != nil {
		return result, err
	}

	fragments := assembler.Fragments{
		Reminder: reminder,
		Prefix:   s.task.Prefix,
		Prompt:   request.Prompt,
		Postfix:  s.task.Postfix,
	}
	tokens, err := assembler.Assemble(s.model.Tokenizer(), hasBOS, priorCount, fragments, s.private)
	if err != nil {
		return result, err
	}

	s.log.Trace().Ints32("tokens", tokens).Msg("prompt tokens")

	start := time.Now()
	if err := s.state.FeedPrompt(tokens, noopFeedback); err != nil {
		return result, fmt.Errorf("%w: %v", types.ErrModelFeed, err)
	}
	result.FeedPromptDuration += time.Since(start)
	result.PromptTokens += len(tokens)

	smp := &sampler.TopPTopK{
		Temperature:       s.task.Temperature,
		TopK:              s.task.TopK,
		TopP:              s.task.TopP,
		RepetitionPenalty: s.task.RepetitionPenalty,
	}

	if s.task.BiasPrompt != "" {
		if err := s.warmUp(smp, &result); err != nil {
			return result, err
		}
	}

	if err := s.generate(callback, smp, &result); err != nil {
		return result, err
	}

	return result, nil
}

func noopFeedback(llama.TokenID) error { return nil }

// Reset collapses the session's KV-cache back to the task's prefix alone,
// discarding whatever conversation history followed it, for an explicit
// reset on a long-lived connection (spec.md §3's Session lifecycle: "...or
// on explicit reset"). The next Complete call re-tokenizes from here as if
// this were a brand new session, but keeps whatever of the prefix the
// overlap lets the cache retain instead of a full state teardown.
func (s *Session) Reset() error {
	bosID, hasBOS := s.model.BOSTokenID()
	var tokens []llama.TokenID
	if hasBOS {
		tokens = append(tokens, bosID)
	}
	if s.task.Prefix != "" {
		toks, err := s.model.Tokenizer().Tokenize(s.task.Prefix, false)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrTokenization, err)
		}
		for _, t := range toks {
			tokens = append(tokens, t.ID)
		}
	}
	if err := s.state.Reset(tokens); err != nil {
		return fmt.Errorf("%w: %v", types.ErrModelFeed, err)
	}
	return nil
}

// recall asks the memory bridge for a reminder, when the task is configured
// to retrieve one (spec.md §4.2). It returns "" when k=0 or no match was
// found, never an error in that case.
func (s *Session) recall(ctx context.Context, prompt string) (string, error) {
	if s.bridge == nil || s.task.Memorization.Retrieve <= 0 {
		return "", nil
	}
	reminder, found, err := s.bridge.Recall(ctx, prompt, s.task.Memorization.Retrieve)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	s.log.Debug().Str("reminder", reminder).Msg("retrieved from memory")
	return reminder, nil
}

// warmUp runs free generation with the task's sampler but no bias until
// EOT or task.MaxTokens, discards the produced tokens, then feeds
// bias_prompt. Mirrors session.rs's unconstrained `infer` call ahead of
// feeding the bias prompt.
func (s *Session) warmUp(smp *sampler.TopPTopK, result *types.InferenceStats) error {
	eot := s.model.EOTTokenID()
	generated := 0
	for {
		start := time.Now()
		tok, err := s.state.InferNextToken(&llama.Parameters{
			Sampler:                smp,
			RNG:                    s.rng,
			RepetitionPenaltyLastN: s.task.RepetitionPenaltyLastN,
			Threads:                s.threads,
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("warm-up inference ended")
			break
		}
		result.PredictDuration += time.Since(start)
		result.PredictTokens++
		generated++
		if tok == eot {
			break
		}
		if s.task.MaxTokens != nil && generated >= *s.task.MaxTokens {
			break
		}
	}

	s.log.Info().Str("bias_prompt", s.task.BiasPrompt).Msg("feeding bias prompt")
	toks, err := s.model.Tokenizer().Tokenize(s.task.BiasPrompt, false)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTokenization, err)
	}
	ids := make([]llama.TokenID, len(toks))
	for i, t := range toks {
		ids[i] = t.ID
	}

	start := time.Now()
	if err := s.state.FeedPrompt(ids, noopFeedback); err != nil {
		return fmt.Errorf("%w: %v", types.ErrModelFeed, err)
	}
	result.FeedPromptDuration += time.Since(start)
	result.PromptTokens += len(ids)
	return nil
}

// generate runs the Generate state's loop: spec.md §4.6 step 3, a-h. A
// max_tokens of 0 with no biaser is handled before entering the loop at
// all, so the boundary case in spec.md §8 ("zero predicted tokens") holds
// exactly rather than counting a token sampled before the bottom-of-loop
// bound check fires.
func (s *Session) generate(callback types.Callback, smp *sampler.TopPTopK, result *types.InferenceStats) error {
	if s.schema == nil && s.task.MaxTokens != nil && *s.task.MaxTokens <= 0 {
		return nil
	}

	b := s.newBiaser()
	vocab := s.model.Tokenizer()
	eot := s.model.EOTTokenID()

	var stops *stopseq.Set
	if len(s.task.StopSequences) > 0 {
		if s.schema != nil {
			s.log.Warn().Str("task", s.taskName).Msg("biaser configured, ignoring stop sequences")
		} else {
			stops = stopseq.NewSet(s.task.StopSequences)
		}
	}

	var buf utf8buf.Buffer
	generated := 0

	for {
		bias := stripPrivate(b.Bias(vocab, eot), s.private)

		var tok llama.TokenID
		if len(bias) == 1 && bias[0].Weight > 0 {
			tok = bias[0].ID
			s.log.Debug().Int32("token", tok).Msg("biaser forced a single token")
			if tok != eot {
				start := time.Now()
				if err := s.state.FeedPrompt([]llama.TokenID{tok}, noopFeedback); err != nil {
					return fmt.Errorf("%w: %v", types.ErrModelFeed, err)
				}
				result.FeedPromptDuration += time.Since(start)
				result.PromptTokens++
			}
		} else {
			start := time.Now()
			sampled, err := s.state.InferNextToken(&llama.Parameters{
				Sampler:                smp,
				Bias:                   bias,
				RNG:                    s.rng,
				RepetitionPenaltyLastN: s.task.RepetitionPenaltyLastN,
				Threads:                s.threads,
			})
			if err != nil {
				// spec.md §9: the source silently swallows mid-generation
				// model errors ("typically context-full"); we log at debug
				// and mark the stats truncated rather than propagate.
				s.log.Debug().Err(err).Msg("inference ended")
				result.Truncated = true
				break
			}
			tok = sampled
			result.PredictDuration += time.Since(start)
			result.PredictTokens++
		}

		generated++
		if tok == eot {
			break
		}

		b.Advance(vocab, tok)

		if text, ok := buf.Push(vocab.Token(tok)); ok {
			if stops != nil && stops.Advance(text) {
				s.log.Debug().Msg("stop sequence matched")
				break
			}
			if !s.private.ContainsText(text) {
				feedback, err := callback(types.InferredToken{Text: text})
				if err != nil {
					return err
				}
				if feedback == types.Halt {
					break
				}
			}
		}

		if s.schema == nil && s.task.MaxTokens != nil && generated >= *s.task.MaxTokens {
			break
		}
	}

	return nil
}

func stripPrivate(bias []llama.BiasPair, private *assembler.PrivateTokens) []llama.BiasPair {
	if private == nil || len(bias) == 0 {
		return bias
	}
	out := make([]llama.BiasPair, 0, len(bias))
	for _, b := range bias {
		if !private.ContainsID(b.ID) {
			out = append(out, b)
		}
	}
	return out
}
