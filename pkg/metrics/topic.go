package metrics

import (
	"regexp"
	"strings"
)

// topicPattern is the "contextful" topic structure. The context portion may
// itself contain further slashes, e.g.
// dt/myapp/mainbuilding/first_floor/office/esp32/temperature.
var topicPattern = regexp.MustCompile(
	`^dt/(?P<app>[ \w-]+)/(?P<context>[ \w\-/]+)/(?P<thing>[ \w-]+)/(?P<property>[ \w-]+)?$`,
)

// TopicFields holds the structural fields extracted from a topic. For a
// contextful topic all fields are populated; for any other topic only
// Property (the last path segment) and the raw Topic are derived.
// A TopicFields value is immutable once parsed and only lives for the
// duration of one message.
type TopicFields struct {
	// Topic is the cleaned raw topic string, always retained as a tag.
	Topic string
	// App, Context, Thing and Property are the structural segments of a
	// contextful topic. Only Property is set for contextless topics.
	App      string
	Context  string
	Thing    string
	Property string
	// ContextParts holds the slash-separated segments of Context in topic
	// order, emitted as context_0..context_N tags.
	ContextParts []string
	// Contextful reports whether the full dt/<app>/<context>/<thing>/<property>
	// structure matched.
	Contextful bool
}

// CleanTopic strips surrounding whitespace and NUL padding from a raw topic
// string. Some embedded publishers pad fixed-size buffers with NUL bytes.
func CleanTopic(topic string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(topic), "\x00"))
}

// ParseTopic splits a topic string into its structural fields. It never
// fails: when the contextful pattern does not match, the final segment is
// used as the property and no other fields are derived.
func ParseTopic(topic string) TopicFields {
	topic = CleanTopic(topic)
	fields := TopicFields{Topic: topic}

	m := topicPattern.FindStringSubmatch(topic)
	if m == nil {
		segments := strings.Split(topic, "/")
		fields.Property = sanitizeSegment(segments[len(segments)-1])
		return fields
	}

	for i, name := range topicPattern.SubexpNames() {
		switch name {
		case "app":
			fields.App = m[i]
		case "context":
			fields.Context = m[i]
		case "thing":
			fields.Thing = m[i]
		case "property":
			fields.Property = sanitizeSegment(m[i])
		}
	}
	fields.ContextParts = splitContext(fields.Context)
	fields.Contextful = true
	return fields
}

// splitContext breaks a context path into its individual segments. A context
// without slashes still yields a single context_0 entry.
func splitContext(context string) []string {
	if context == "" {
		return nil
	}
	return strings.Split(context, "/")
}

// sanitizeSegment makes a topic segment safe for use in a metric name.
func sanitizeSegment(segment string) string {
	return strings.ReplaceAll(segment, " ", "_")
}
