package instanceid

import (
	"sort"
	"time"
)

// TopicSubscription is one entry of an instance's "rel.topics" relation.
type TopicSubscription struct {
	Topic Topic
	// AddedAt is zero when the provider did not report a parseable date.
	AddedAt time.Time
}

// AppInstance is the provider-side metadata record for a registration token.
type AppInstance struct {
	RegistrationToken  RegistrationToken
	Application        string
	ApplicationVersion string
	AuthorizedEntity   string
	Platform           string
	TopicSubscriptions []TopicSubscription
	// Raw holds every decoded field, including those not surfaced above.
	Raw map[string]any
}

// NewAppInstance builds an instance from a decoded details=true lookup body.
func NewAppInstance(token RegistrationToken, raw map[string]any) *AppInstance {
	if raw == nil {
		raw = map[string]any{}
	}
	inst := &AppInstance{
		RegistrationToken:  token,
		Application:        stringField(raw, "application"),
		ApplicationVersion: stringField(raw, "applicationVersion"),
		AuthorizedEntity:   stringField(raw, "authorizedEntity"),
		Platform:           stringField(raw, "platform"),
		Raw:                raw,
	}
	inst.TopicSubscriptions = parseTopicSubscriptions(raw)
	return inst
}

// IsSubscribedTo reports whether the instance lists the topic in its relations.
func (a *AppInstance) IsSubscribedTo(topic Topic) bool {
	for _, s := range a.TopicSubscriptions {
		if s.Topic == topic {
			return true
		}
	}
	return false
}

// Topics returns the subscribed topics ordered by name.
func (a *AppInstance) Topics() []Topic {
	out := make([]Topic, len(a.TopicSubscriptions))
	for i, s := range a.TopicSubscriptions {
		out[i] = s.Topic
	}
	return out
}

func parseTopicSubscriptions(raw map[string]any) []TopicSubscription {
	rel, ok := raw["rel"].(map[string]any)
	if !ok {
		return nil
	}
	topics, ok := rel["topics"].(map[string]any)
	if !ok {
		return nil
	}

	subs := make([]TopicSubscription, 0, len(topics))
	for name, v := range topics {
		topic, err := NewTopic(name)
		if err != nil {
			continue
		}
		sub := TopicSubscription{Topic: topic}
		if details, ok := v.(map[string]any); ok {
			if added, ok := details["addDate"].(string); ok {
				if ts, err := time.Parse(time.DateOnly, added); err == nil {
					sub.AddedAt = ts
				}
			}
		}
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic.name < subs[j].Topic.name })
	return subs
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}
