package topic_test

import (
	"testing"

	"github.com/iotrpc/runtime/internal/topic"
	"github.com/stretchr/testify/require"
)

func TestPatternBasic(t *testing.T) {
	pattern, err := topic.New(
		"basic",
		"a/{default}/topic/{pattern}",
		map[string]string{"default": "basic"},
		"",
	)
	require.NoError(t, err)

	resolved, err := pattern.Topic(map[string]string{
		"default": "replaced", // Construction-time tokens are static.
		"pattern": "resolved",
	})
	require.NoError(t, err)
	require.Equal(t, "a/basic/topic/resolved", resolved)

	_, err = pattern.Topic(nil)
	require.Error(t, err)

	filter, err := pattern.Filter()
	require.NoError(t, err)
	require.Equal(t, "a/basic/topic/+", filter.Filter())

	tokens, ok := filter.Tokens(resolved)
	require.True(t, ok)
	require.Equal(t, map[string]string{
		"default": "basic",
		"pattern": "resolved",
	}, tokens)
}

func TestPatternMetaCharacters(t *testing.T) {
	pattern, err := topic.New(
		"basic",
		"a/(topic)/pattern/{with}/[meta]/{characters}",
		map[string]string{"with": "without"},
		"",
	)
	require.NoError(t, err)

	resolved, err := pattern.Topic(map[string]string{"characters": "conflicts"})
	require.NoError(t, err)
	require.Equal(t, "a/(topic)/pattern/without/[meta]/conflicts", resolved)

	filter, err := pattern.Filter()
	require.NoError(t, err)
	require.Equal(t, "a/(topic)/pattern/without/[meta]/+", filter.Filter())

	tokens, ok := filter.Tokens(resolved)
	require.True(t, ok)
	require.Equal(t, map[string]string{
		"with":       "without",
		"characters": "conflicts",
	}, tokens)
}

func TestPatternNamespace(t *testing.T) {
	_, err := topic.New("ns", "cmd/{name}", nil, "clients/{clientId}")
	require.Error(t, err, "a namespace must be a fully resolved topic")

	pattern, err := topic.New("ns", "cmd/{name}", nil, "clients/c1")
	require.NoError(t, err)

	_, err = pattern.Topic(nil)
	require.Error(t, err, "pattern token is still unresolved")

	resolved, err := pattern.Topic(map[string]string{"name": "invoke"})
	require.NoError(t, err)
	require.Equal(t, "clients/c1/cmd/invoke", resolved)
}

func TestValidateComponentRejectsWildcards(t *testing.T) {
	require.Error(t, topic.ValidateComponent("x", "bad", "a/+/b"))
	require.NoError(t, topic.ValidateComponent("x", "bad", "a/{tok}/b"))
}

func TestValidateShareName(t *testing.T) {
	require.NoError(t, topic.ValidateShareName(""))
	require.NoError(t, topic.ValidateShareName("group1"))
	require.Error(t, topic.ValidateShareName("bad/name"))
}
