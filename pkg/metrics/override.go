package metrics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-tsbridge/pkg/cache"
)

// overrideCacheSize bounds the memoized resolution results. Topics repeat
// heavily in practice, so resolution cost is paid once per distinct
// (topic, subkey) pair.
const overrideCacheSize = 10240

// Field is a three-state optional configuration value: absent from the
// file, explicitly null, or set to a value. The distinction matters for
// override merging: an explicit null cancels a broader pattern's value for
// the same key, while an absent field simply does not participate.
type Field[T any] struct {
	set   bool
	null  bool
	value T
}

// IsSet reports whether the field appeared in the configuration at all.
func (f Field[T]) IsSet() bool { return f.set }

// IsNull reports whether the field was an explicit null.
func (f Field[T]) IsNull() bool { return f.set && f.null }

// Get returns the value and whether a non-null value is present.
func (f Field[T]) Get() (T, bool) {
	if !f.set || f.null {
		var zero T
		return zero, false
	}
	return f.value, true
}

// decode records presence and nullness before decoding the value. It is
// called from OverrideEntry's own unmarshaler rather than registered with
// the decoder: yaml.v3 resolves a null value node before it would consult a
// field's unmarshaler, which would leave an explicit null looking absent.
func (f *Field[T]) decode(node *yaml.Node) error {
	f.set = true
	if node.ShortTag() == "!!null" {
		f.null = true
		return nil
	}
	return node.Decode(&f.value)
}

// TagMap is an override tag mapping. A nil value is an explicit null and
// cancels the tag inherited from a broader pattern.
type TagMap map[string]*string

// OverrideEntry is the partial record stored under one topic pattern.
// Scalar fields replace the topic-derived value wholesale; the two mapping
// fields merge key-by-key across patterns.
type OverrideEntry struct {
	App              Field[string]
	Context          Field[string]
	Thing            Field[string]
	Property         Field[string]
	MetricPrefix     Field[string]
	JSONMultiValue   Field[bool]
	ExtraTags        Field[TagMap]
	ValueReplacement Field[ReplacementMap]
}

// UnmarshalYAML walks the mapping's key/value pairs itself so that explicit
// null values are observed; see Field.decode. Unknown keys are ignored.
func (e *OverrideEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("override entry must be a mapping, got %s", node.Tag)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("decoding override entry key: %w", err)
		}
		value := node.Content[i+1]

		var err error
		switch key {
		case "app":
			err = e.App.decode(value)
		case "context":
			err = e.Context.decode(value)
		case "thing":
			err = e.Thing.decode(value)
		case "property":
			err = e.Property.decode(value)
		case "metric_prefix":
			err = e.MetricPrefix.decode(value)
		case "json_multi_value":
			err = e.JSONMultiValue.decode(value)
		case "extra_tags":
			err = e.ExtraTags.decode(value)
		case "value_replacement":
			err = e.ValueReplacement.decode(value)
		}
		if err != nil {
			return fmt.Errorf("decoding override field %q: %w", key, err)
		}
	}
	return nil
}

// ResolvedOverride is the merged result of every pattern matching a topic.
// It is cached and shared between callers: treat it as read-only.
type ResolvedOverride struct {
	App              *string
	Context          *string
	Thing            *string
	Property         *string
	MetricPrefix     *string
	JSONMultiValue   bool
	ExtraTags        map[string]string
	ValueReplacement ReplacementMap
}

func (r *ResolvedOverride) reset() {
	*r = ResolvedOverride{}
}

// merge applies one entry on top of the accumulated state. Explicit nulls
// cancel the accumulated value for that key only; a later, more specific
// entry may still set it again.
func (r *ResolvedOverride) merge(entry *OverrideEntry) {
	mergeScalar(&r.App, entry.App)
	mergeScalar(&r.Context, entry.Context)
	mergeScalar(&r.Thing, entry.Thing)
	mergeScalar(&r.Property, entry.Property)
	mergeScalar(&r.MetricPrefix, entry.MetricPrefix)

	if entry.JSONMultiValue.IsSet() {
		v, ok := entry.JSONMultiValue.Get()
		r.JSONMultiValue = ok && v
	}

	if entry.ExtraTags.IsSet() {
		tags, ok := entry.ExtraTags.Get()
		if !ok {
			r.ExtraTags = nil
		} else {
			if r.ExtraTags == nil {
				r.ExtraTags = make(map[string]string, len(tags))
			}
			for k, v := range tags {
				if v == nil {
					delete(r.ExtraTags, k)
				} else {
					r.ExtraTags[k] = *v
				}
			}
		}
	}

	if entry.ValueReplacement.IsSet() {
		repl, ok := entry.ValueReplacement.Get()
		if !ok {
			r.ValueReplacement = nil
		} else {
			if r.ValueReplacement == nil {
				r.ValueReplacement = make(ReplacementMap, len(repl))
			}
			for k, v := range repl {
				if v == nil {
					delete(r.ValueReplacement, k)
				} else {
					r.ValueReplacement[k] = v
				}
			}
		}
	}
}

func mergeScalar(dst **string, f Field[string]) {
	if !f.IsSet() {
		return
	}
	if v, ok := f.Get(); ok {
		*dst = &v
	} else {
		*dst = nil
	}
}

// MatchTopic reports whether a topic matches a subscription-style pattern:
// a path segment `+` matches exactly one segment, a trailing `#` matches
// zero or more remaining segments, literal segments must match exactly.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternSegs := strings.Split(pattern, "/")
	topicSegs := strings.Split(topic, "/")
	for i, seg := range patternSegs {
		if seg == "#" {
			return i == len(patternSegs)-1
		}
		if i >= len(topicSegs) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}
	return len(patternSegs) == len(topicSegs)
}

// OverrideConfig stores the topic-pattern → override mapping. It is loaded
// once at startup and read-only thereafter; Resolve is safe for concurrent
// use and memoizes results per (topic, subkey).
type OverrideConfig struct {
	entries map[string]*OverrideEntry
	cache   *cache.LRU[resolveKey, *ResolvedOverride]
}

type resolveKey struct {
	topic  string
	subkey string
}

// NewOverrideConfig wraps an already-parsed entry map. A nil entry value
// (an explicitly null pattern in the file) resets everything merged by the
// broader patterns before it.
func NewOverrideConfig(entries map[string]*OverrideEntry) *OverrideConfig {
	if entries == nil {
		entries = map[string]*OverrideEntry{}
	}
	c := &OverrideConfig{entries: entries}
	lru, err := cache.NewLRU(overrideCacheSize, cache.FetcherFunc[resolveKey, *ResolvedOverride](
		func(_ context.Context, key resolveKey) (*ResolvedOverride, error) {
			return c.resolve(key.topic, key.subkey), nil
		}))
	if err != nil {
		// Unreachable: size and fallback are fixed here.
		panic(err)
	}
	c.cache = lru
	return c
}

// ParseOverrides decodes the YAML override file contents.
func ParseOverrides(data []byte) (map[string]*OverrideEntry, error) {
	entries := map[string]*OverrideEntry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing override config: %w", err)
	}
	return entries, nil
}

// LoadOverrides reads and parses an override file into a ready-to-use config.
func LoadOverrides(path string) (*OverrideConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading override config %s: %w", path, err)
	}
	entries, err := ParseOverrides(data)
	if err != nil {
		return nil, err
	}
	return NewOverrideConfig(entries), nil
}

// Resolve merges every pattern matching the topic, broadest first, and the
// exact topic:subkey entry last when a subkey is given. Resolution is
// deterministic and idempotent; the returned value is shared and must not
// be mutated.
func (c *OverrideConfig) Resolve(topic, subkey string) *ResolvedOverride {
	resolved, _ := c.cache.Fetch(context.Background(), resolveKey{topic: topic, subkey: subkey})
	return resolved
}

func (c *OverrideConfig) resolve(topic, subkey string) *ResolvedOverride {
	resolved := &ResolvedOverride{}
	for _, pattern := range c.matchingPatterns(topic) {
		entry := c.entries[pattern]
		if entry == nil {
			resolved.reset()
			continue
		}
		resolved.merge(entry)
	}

	if subkey != "" {
		if entry, ok := c.entries[topic+":"+subkey]; ok {
			if entry == nil {
				return &ResolvedOverride{}
			}
			resolved.merge(entry)
		}
	}
	return resolved
}

type patternMatch struct {
	pattern  string
	class    int // 0: trailing '#', 1: contains '+', 2: exact literal
	literals int // count of non-wildcard characters
	wilds    int // count of '+' wildcards
}

// matchingPatterns returns every stored pattern matching the topic, ordered
// least to most specific: multi-level wildcards by increasing literal prefix
// length, then single-level wildcards (fewer wildcards last), then the exact
// literal. Ties break on the pattern string so resolution is deterministic.
func (c *OverrideConfig) matchingPatterns(topic string) []string {
	matches := make([]patternMatch, 0, 4)
	for pattern := range c.entries {
		if !MatchTopic(pattern, topic) {
			continue
		}
		m := patternMatch{pattern: pattern, class: 2}
		for _, r := range pattern {
			switch r {
			case '+':
				m.wilds++
			case '#':
			default:
				m.literals++
			}
		}
		if strings.HasSuffix(pattern, "#") {
			m.class = 0
		} else if m.wilds > 0 {
			m.class = 1
		}
		matches = append(matches, m)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.class != b.class {
			return a.class < b.class
		}
		if a.class == 1 && a.wilds != b.wilds {
			return a.wilds > b.wilds
		}
		if a.literals != b.literals {
			return a.literals < b.literals
		}
		return a.pattern < b.pattern
	})

	ordered := make([]string, len(matches))
	for i, m := range matches {
		ordered[i] = m.pattern
	}
	return ordered
}
