package llama

// TokenID is a vocabulary entry index, matching llama.cpp's llama_token.
type TokenID = int32

// Token pairs a tokenizer fragment with the id it resolved to, the shape
// `tokenizer().tokenize(...)` returns per spec.md §6.
type Token struct {
	Text string
	ID   TokenID
}

// Tokenizer is the vocabulary contract the session engine consumes: tokenize
// text into ids, decode ids back into bytes, and look up a single token's
// piece or id. Every concrete Model exposes one via Tokenizer().
type Tokenizer interface {
	// Tokenize splits text into (piece, id) pairs. When addBOS is true and
	// the model defines a beginning-of-text token, it is the first id
	// returned, per the BOS-attachment invariant of spec.md §3.
	Tokenize(text string, addBOS bool) ([]Token, error)

	// Decode renders ids back to bytes, optionally skipping special tokens.
	Decode(ids []TokenID, skipSpecial bool) []byte

	// Token returns the raw text piece for a single id, used by the
	// generation loop to decode one emitted token at a time.
	Token(id TokenID) []byte

	// ID resolves a literal string to a token id, reporting false unless it
	// tokenizes to exactly one id.
	ID(s string) (TokenID, bool)

	// Size reports the vocabulary length, so callers (the JSON-schema
	// biaser) can enumerate every candidate token id.
	Size() int
}
