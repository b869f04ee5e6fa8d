package expand

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relvacode/incrond/internal/inotify"
)

func TestSubstituteScenarioS6(t *testing.T) {
	ctx := Context{
		WatchedPath: "/tmp/space dir",
		Name:        "a b.txt",
		Mask:        inotify.CloseWrite,
	}
	got := Substitute("echo @=$@ #=$# m=$% n=$&", ctx)
	require.Equal(t, `echo @=/tmp/space\ dir #=a\ b.txt m=IN_CLOSE_WRITE n=8`, got)

	tokens, err := Tokenize(got)
	require.NoError(t, err)
	require.Len(t, tokens, 5)
	require.Equal(t, []string{
		"echo",
		"@=/tmp/space dir",
		"#=a b.txt",
		"m=IN_CLOSE_WRITE",
		"n=8",
	}, tokens)
}

func TestSubstituteDollarDollar(t *testing.T) {
	require.Equal(t, "$5.00", Substitute("$$5.00", Context{}))
}

func TestSubstituteUnknownPlaceholderDropsDollar(t *testing.T) {
	require.Equal(t, "xyz", Substitute("$xyz", Context{}))
}

func TestSubstituteTrailingDollarLiteral(t *testing.T) {
	require.Equal(t, "abc$", Substitute("abc$", Context{}))
}

func TestTokenizeHashIsAlwaysOneToken(t *testing.T) {
	ctx := Context{Name: "a file with spaces.txt"}
	cmd := Substitute("handle $#", ctx)
	tokens, err := Tokenize(cmd)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, "a file with spaces.txt", tokens[1])
}

func TestTokenizeElidesConsecutiveDelimiters(t *testing.T) {
	tokens, err := Tokenize("a   b\t\tc")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, tokens)
}

func TestTokenizeDoubleBackslash(t *testing.T) {
	tokens, err := Tokenize(`a\\b`)
	require.NoError(t, err)
	require.Equal(t, []string{`a\b`}, tokens)
}

func TestTokenizeEmptyIsError(t *testing.T) {
	_, err := Tokenize("   \t ")
	require.ErrorIs(t, err, ErrEmptyCommand)
}

func TestExpandS1(t *testing.T) {
	ctx := Context{WatchedPath: "/tmp/drop", Name: "foo", Mask: inotify.CloseWrite}
	argv, err := Expand("echo $# > /tmp/log", ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"echo", "foo", ">", "/tmp/log"}, argv)
}
