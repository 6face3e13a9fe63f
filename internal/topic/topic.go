// Package topic compiles topic patterns (with "{token}" placeholders) into
// fully resolved publish topics and subscribe filters, per the Topic Pattern
// Engine component.
package topic

import (
	"maps"
	"regexp"
	"strings"

	"github.com/iotrpc/runtime/errors"
)

type (
	// Pattern applies tokens to a named topic pattern, producing a concrete
	// publish topic or a subscribe Filter.
	Pattern struct {
		name    string
		pattern string
		tokens  map[string]string
	}

	// Filter is a compiled topic filter that can parse its named tokens back
	// out of a matching topic.
	Filter struct {
		filter string
		regex  *regexp.Regexp
		names  []string
		tokens map[string]string
	}
)

const (
	label = `[^ "+#{}/]+`
	token = `\{` + label + `\}`
	level = `(` + label + `|` + token + `)`
	match = `(` + label + `)`
)

var (
	matchLabel = regexp.MustCompile(
		`^` + label + `$`,
	)
	matchToken = regexp.MustCompile(
		token, // Lacks anchors because it is used for replacements.
	)
	matchTopic = regexp.MustCompile(
		`^` + label + `(/` + label + `)*$`,
	)
	matchPattern = regexp.MustCompile(
		`^` + level + `(/` + level + `)*$`,
	)
)

// ValidateComponent performs initial validation of a topic pattern
// component (request topic, response topic, telemetry topic).
func ValidateComponent(name, msgOnErr, pattern string) error {
	if !matchPattern.MatchString(pattern) {
		return &errors.Client{Base: errors.Base{
			Message: msgOnErr,
			Kind: errors.ConfigurationInvalid{
				PropertyName: name, PropertyValue: pattern,
			},
		}}
	}
	return nil
}

// New compiles a topic pattern, resolving any tokens given at construction
// time and prefixing the given namespace, if any.
func New(
	name, pattern string,
	tokens map[string]string,
	namespace string,
) (*Pattern, error) {
	if namespace != "" {
		if !Valid(namespace) {
			return nil, &errors.Client{Base: errors.Base{
				Message: "invalid topic namespace",
				Kind: errors.ConfigurationInvalid{
					PropertyName: "TopicNamespace", PropertyValue: namespace,
				},
			}}
		}
		pattern = namespace + `/` + pattern
	}

	if !matchPattern.MatchString(pattern) {
		return nil, &errors.Client{Base: errors.Base{
			Message: "invalid topic pattern",
			Kind: errors.ConfigurationInvalid{
				PropertyName: name, PropertyValue: pattern,
			},
		}}
	}

	if err := validateTokens(tokens, false); err != nil {
		return nil, err
	}
	for tok, value := range tokens {
		pattern = strings.ReplaceAll(pattern, `{`+tok+`}`, value)
	}

	return &Pattern{name, pattern, tokens}, nil
}

// Topic fully resolves the pattern into a publish topic, substituting any
// remaining tokens with the supplied values.
func (p *Pattern) Topic(tokens map[string]string) (string, error) {
	t := p.pattern

	if err := validateTokens(tokens, true); err != nil {
		return "", err
	}
	for tok, value := range tokens {
		t = strings.ReplaceAll(t, `{`+tok+`}`, value)
	}

	if !Valid(t) {
		missing := matchToken.FindString(t)
		if missing != "" {
			return "", &errors.Client{Base: errors.Base{
				Message: "invalid topic",
				Kind: errors.ArgumentInvalid{
					PropertyName: missing[1 : len(missing)-1],
				},
			}}
		}
		return "", &errors.Client{Base: errors.Base{
			Message: "invalid topic",
			Kind:    errors.ArgumentInvalid{PropertyName: p.name, PropertyValue: t},
		}}
	}
	return t, nil
}

// Filter compiles a subscribe filter from the pattern. Unresolved tokens
// become "+" wildcards.
func (p *Pattern) Filter() (*Filter, error) {
	names := matchToken.FindAllString(p.pattern, -1)
	for i, tok := range names {
		names[i] = tok[1 : len(tok)-1]
	}

	escaped := regexp.QuoteMeta(p.pattern)
	for _, tok := range names {
		escaped = strings.ReplaceAll(escaped, `\{`+tok+`\}`, match)
	}
	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil, err
	}

	filter := matchToken.ReplaceAllString(p.pattern, `+`)

	return &Filter{filter, regex, names, p.tokens}, nil
}

// Filter returns the MQTT topic filter string.
func (f *Filter) Filter() string { return f.filter }

// Tokens reports whether topic matches the filter and, if so, resolves its
// named tokens.
func (f *Filter) Tokens(topic string) (map[string]string, bool) {
	m := f.regex.FindStringSubmatch(topic)
	if m == nil {
		return nil, false
	}

	tokens := make(map[string]string, len(f.names)+len(f.tokens))
	for i, val := range m[1:] {
		tokens[f.names[i]] = val
	}
	maps.Copy(tokens, f.tokens)
	return tokens, true
}

// Valid reports whether topic is a fully-resolved MQTT topic (no wildcards
// or tokens).
func Valid(topic string) bool {
	return matchTopic.MatchString(topic)
}

// ValidateShareName reports whether shareName is empty or a valid MQTT
// shared-subscription group name.
func ValidateShareName(shareName string) error {
	if shareName != "" && !matchLabel.MatchString(shareName) {
		return &errors.Client{Base: errors.Base{
			Message: "invalid share name",
			Kind: errors.ConfigurationInvalid{
				PropertyName: "ShareName", PropertyValue: shareName,
			},
		}}
	}
	return nil
}

// validateTokens checks that every token name and value is a valid single
// topic label, using ArgumentInvalid for call-time tokens and
// ConfigurationInvalid for construction-time tokens so callers get the more
// specific error kind.
func validateTokens(tokens map[string]string, argument bool) error {
	for k, v := range tokens {
		if matchLabel.MatchString(k) && matchLabel.MatchString(v) {
			continue
		}
		if argument {
			return &errors.Client{Base: errors.Base{
				Message: "invalid topic token",
				Kind:    errors.ArgumentInvalid{PropertyName: k, PropertyValue: v},
			}}
		}
		return &errors.Client{Base: errors.Base{
			Message: "invalid topic token",
			Kind: errors.ConfigurationInvalid{
				PropertyName: k, PropertyValue: v,
			},
		}}
	}
	return nil
}
