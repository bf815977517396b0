package utf8buf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_ReleasesCompleteASCIIImmediately(t *testing.T) {
	var b Buffer
	out, ok := b.Push([]byte("hello"))
	require.True(t, ok)
	assert.Equal(t, "hello", out)
}

func TestBuffer_HoldsBackIncompleteMultiByteRune(t *testing.T) {
	var b Buffer
	euro := []byte("€") // 3-byte UTF-8 sequence
	out, ok := b.Push(euro[:1])
	assert.False(t, ok, "a lone lead byte must not be released yet")
	assert.Empty(t, out)

	out, ok = b.Push(euro[1:])
	require.True(t, ok)
	assert.Equal(t, "€", out)
}

func TestBuffer_ReleasesTrailingCompleteRuneButHoldsNewIncompleteOne(t *testing.T) {
	var b Buffer
	euro := []byte("€")
	out, ok := b.Push(append([]byte("ok "), euro[:2]...))
	require.True(t, ok)
	assert.Equal(t, "ok ", out, "the complete ASCII prefix releases while the partial rune waits")

	out, ok = b.Push(euro[2:])
	require.True(t, ok)
	assert.Equal(t, "€", out)
}

func TestBuffer_InvalidLeadByteIsReleasedAsIs(t *testing.T) {
	var b Buffer
	out, ok := b.Push([]byte{0xFF})
	require.True(t, ok, "an invalid byte can never become valid by waiting, so it releases immediately")
	assert.Equal(t, string([]byte{0xFF}), out)
}

func TestBuffer_EmptyPushReturnsFalse(t *testing.T) {
	var b Buffer
	out, ok := b.Push(nil)
	assert.False(t, ok)
	assert.Empty(t, out)
}

func TestBuffer_FourByteRuneAcrossThreePushes(t *testing.T) {
	var b Buffer
	emoji := []byte("😀") // 4-byte UTF-8 sequence
	_, ok := b.Push(emoji[:1])
	assert.False(t, ok)
	_, ok = b.Push(emoji[1:2])
	assert.False(t, ok)
	out, ok := b.Push(emoji[2:])
	require.True(t, ok)
	assert.Equal(t, "😀", out)
}
