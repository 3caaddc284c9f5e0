package instanceid

import (
	"fmt"
	"regexp"
	"strings"
)

var topicNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]+$`)

// Topic is a named FCM broadcast channel.
type Topic struct {
	name string
}

// NewTopic validates a topic name. A leading "/topics/" is accepted and stripped.
func NewTopic(name string) (Topic, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/topics/")

	if name == "" {
		return Topic{}, invalidArgument("topic name must not be empty")
	}
	if !topicNamePattern.MatchString(name) {
		return Topic{}, invalidArgument(fmt.Sprintf("invalid topic name %q", name))
	}
	return Topic{name: name}, nil
}

// MustTopic is NewTopic for names known to be valid at compile time.
func MustTopic(name string) Topic {
	t, err := NewTopic(name)
	if err != nil {
		panic(err)
	}
	return t
}

// NewTopics converts plain names, failing on the first invalid one.
func NewTopics(names ...string) ([]Topic, error) {
	topics := make([]Topic, 0, len(names))
	for _, n := range names {
		t, err := NewTopic(n)
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, nil
}

func (t Topic) String() string { return t.name }

// Address is the "to" value the batch endpoints expect.
func (t Topic) Address() string { return "/topics/" + t.name }

// RegistrationToken identifies a single app installation's messaging endpoint.
type RegistrationToken struct {
	value string
}

func NewRegistrationToken(value string) (RegistrationToken, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return RegistrationToken{}, invalidArgument("registration token must not be empty")
	}
	return RegistrationToken{value: value}, nil
}

func (t RegistrationToken) String() string { return t.value }

// RegistrationTokens is an immutable, non-empty, ordered token set.
type RegistrationTokens struct {
	tokens []RegistrationToken
}

// NewRegistrationTokens builds the collection, preserving input order.
func NewRegistrationTokens(values ...string) (RegistrationTokens, error) {
	if len(values) == 0 {
		return RegistrationTokens{}, invalidArgument("at least one registration token is required")
	}
	tokens := make([]RegistrationToken, 0, len(values))
	for i, v := range values {
		t, err := NewRegistrationToken(v)
		if err != nil {
			return RegistrationTokens{}, invalidArgument(fmt.Sprintf("registration token at index %d is empty", i))
		}
		tokens = append(tokens, t)
	}
	return RegistrationTokens{tokens: tokens}, nil
}

// Strings returns a copy of the members as plain strings.
func (r RegistrationTokens) Strings() []string {
	out := make([]string, len(r.tokens))
	for i, t := range r.tokens {
		out[i] = t.value
	}
	return out
}

func (r RegistrationTokens) Tokens() []RegistrationToken {
	out := make([]RegistrationToken, len(r.tokens))
	copy(out, r.tokens)
	return out
}

func (r RegistrationTokens) Len() int { return len(r.tokens) }

func (r RegistrationTokens) IsEmpty() bool { return len(r.tokens) == 0 }
