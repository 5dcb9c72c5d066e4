package metrics

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMetricPrefix is prepended to the property when no override or
	// configuration supplies one.
	DefaultMetricPrefix = "mqtt__"
	// DefaultMaxStrLen caps string tag values.
	DefaultMaxStrLen = 128

	// infoSuffix marks metrics derived from non-numeric observations.
	infoSuffix = "_info"
	// infoValueTag carries the original text of an info point.
	infoValueTag = "val"
	// hostTagKey is the tag under which the local hostname is recorded.
	hostTagKey = "host"
)

// BuilderConfig carries the static knobs of record assembly.
type BuilderConfig struct {
	// MetricPrefix is the global default prefix; an override's metric_prefix
	// wins per topic. Defaults to DefaultMetricPrefix.
	MetricPrefix string
	// MaxStrLen truncates string tag values. Defaults to DefaultMaxStrLen.
	MaxStrLen int
	// TagsExclude drops tags by key, case-insensitively, from the final
	// record only; exclusion never affects override matching.
	TagsExclude []string
	// StaticTags are applied last and only where the key is not already set.
	StaticTags map[string]string
	// AddHostTag records the local hostname under the "host" tag, also
	// only when not already set.
	AddHostTag bool
	// Hostname overrides the os-reported hostname. Only consulted when
	// AddHostTag is true.
	Hostname string
}

// Builder combines topic fields, decoded points, override resolution and
// the static tag set into final Records. It is read-only after construction
// and safe for concurrent use.
type Builder struct {
	cfg       BuilderConfig
	overrides *OverrideConfig
	exclude   map[string]struct{}
	hostname  string
}

// NewBuilder applies defaults and precomputes the exclusion set.
func NewBuilder(cfg BuilderConfig, overrides *OverrideConfig) *Builder {
	if cfg.MetricPrefix == "" {
		cfg.MetricPrefix = DefaultMetricPrefix
	}
	if cfg.MaxStrLen <= 0 {
		cfg.MaxStrLen = DefaultMaxStrLen
	}
	if overrides == nil {
		overrides = NewOverrideConfig(nil)
	}
	exclude := make(map[string]struct{}, len(cfg.TagsExclude))
	for _, key := range cfg.TagsExclude {
		exclude[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
	}
	hostname := cfg.Hostname
	if cfg.AddHostTag && hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Builder{cfg: cfg, overrides: overrides, exclude: exclude, hostname: hostname}
}

// Build runs the full resolution pipeline for one message and returns the
// finished records, one per decoded point. It never fails; unparseable
// payloads degrade to info points.
func (b *Builder) Build(topic string, payload []byte, receivedAt time.Time) []Record {
	fields := ParseTopic(topic)
	base := b.overrides.Resolve(fields.Topic, "")
	points := DecodePayload(payload, base.JSONMultiValue, receivedAt)

	records := make([]Record, 0, len(points))
	for _, point := range points {
		records = append(records, b.buildRecord(fields, base, point))
	}
	return records
}

func (b *Builder) buildRecord(fields TopicFields, base *ResolvedOverride, point DecodedPoint) Record {
	override := base
	if point.Subkey != "" {
		override = b.overrides.Resolve(fields.Topic, point.Subkey)
	}

	property := fields.Property
	if override.Property != nil {
		property = *override.Property
	}
	if point.Subkey != "" {
		property = property + "_" + sanitizeSegment(point.Subkey)
	}

	prefix := b.cfg.MetricPrefix
	if override.MetricPrefix != nil {
		prefix = *override.MetricPrefix
	}

	// Topic-derived tags are the lowest-precedence layer; override scalars
	// replace them wholesale.
	tags := make(map[string]string, 8+len(point.Tags)+len(override.ExtraTags))
	topicTag := fields.Topic
	if point.Subkey != "" {
		topicTag = topicTag + ":" + point.Subkey
	}
	tags[topicKeyTag] = topicTag
	tags[propertyTag] = property

	if app := overrideOr(override.App, fields.App); app != "" {
		tags[appTag] = app
	}
	if thing := overrideOr(override.Thing, fields.Thing); thing != "" {
		tags[thingTag] = thing
	}
	contextValue := fields.Context
	contextParts := fields.ContextParts
	if override.Context != nil {
		contextValue = *override.Context
		contextParts = splitContext(contextValue)
	}
	if contextValue != "" {
		tags[contextTag] = contextValue
		for i, part := range contextParts {
			tags[contextTag+"_"+strconv.Itoa(i)] = part
		}
	}

	// Payload-level and per-point tags (already merged, point's own winning),
	// then the override's extra tags on top.
	for k, v := range point.Tags {
		tags[k] = v
	}
	for k, v := range override.ExtraTags {
		tags[k] = v
	}

	record := Record{Timestamp: point.Timestamp}
	name := prefix + property
	switch value := NormalizeValue(point.Value, override.ValueReplacement, b.cfg.MaxStrLen).(type) {
	case float64:
		record.Value = value
	case string:
		// A non-numeric observation becomes an info point: value 1 with the
		// original text carried as a tag.
		name += infoSuffix
		record.Value = 1
		tags[infoValueTag] = value
	}

	for k, v := range b.cfg.StaticTags {
		if _, ok := tags[k]; !ok {
			tags[k] = v
		}
	}
	if b.cfg.AddHostTag && b.hostname != "" {
		if _, ok := tags[hostTagKey]; !ok {
			tags[hostTagKey] = b.hostname
		}
	}

	// Exclusion and truncation apply only here, on the final record; the
	// matching and resolution stages above always see the full tag set.
	for k := range tags {
		if _, drop := b.exclude[strings.ToLower(k)]; drop {
			delete(tags, k)
			continue
		}
		tags[k] = truncateString(tags[k], b.cfg.MaxStrLen)
	}

	record.Name = name
	record.Tags = tags
	return record
}

// Tag keys derived from topic structure.
const (
	topicKeyTag = "topic"
	propertyTag = "property"
	appTag      = "app"
	thingTag    = "thing"
	contextTag  = "context"
)

func overrideOr(override *string, fallback string) string {
	if override != nil {
		return *override
	}
	return fallback
}
