package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	defaultSampleSize        = 1000
	defaultRequiredThreshold = 0.95

	// uniqueValuesCap bounds the per-field distinct-value set so a high
	// cardinality field cannot blow up memory during detection.
	uniqueValuesCap = 10000

	sampleValuesCap = 10
	examplesCap     = 3

	// patternDominance is the share of non-null values a detected pattern
	// must cover before it is promoted onto the field schema.
	patternDominance = 0.8

	// categoryOverlapThreshold is the minimum indicator overlap for
	// DetectCategory to claim a category.
	categoryOverlapThreshold = 0.3
)

type (
	// FieldHint is a user-declared expectation for one field, carried over
	// from the source definition. Hints override inference where set.
	FieldHint struct {
		Name        string
		Type        FieldType
		Required    *bool
		Description string
	}

	// FieldStats accumulates observations for one field name across the
	// sampled records.
	FieldStats struct {
		TotalCount       int
		NullCount        int
		EmptyCount       int
		TypeCounts       map[FieldType]int
		UniqueValues     map[string]struct{}
		MinLength        *int
		MaxLength        *int
		MinValue         *float64
		MaxValue         *float64
		SampleValues     []any
		DetectedPatterns map[string]int
	}

	// Detector infers a Schema from raw records.
	Detector struct {
		sampleSize        int
		requiredThreshold float64
	}

	// DetectorOption configures a Detector.
	DetectorOption func(*Detector)
)

// WithSampleSize caps how many records are examined.
func WithSampleSize(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.sampleSize = n
		}
	}
}

// WithRequiredThreshold sets the non-null rate above which a field is
// considered required.
func WithRequiredThreshold(rate float64) DetectorOption {
	return func(d *Detector) {
		if rate > 0 && rate <= 1 {
			d.requiredThreshold = rate
		}
	}
}

// NewDetector builds a schema detector with default sampling limits.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		sampleSize:        defaultSampleSize,
		requiredThreshold: defaultRequiredThreshold,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// datetimePatterns and datePatterns are anchored so that a partial match
// never claims a value. The layout accompanies each pattern so downstream
// converters know how to parse matching values.
var datetimePatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`), time.RFC3339},
	{regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}(:\d{2})?$`), "2006/01/02 15:04:05"},
	{regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2} \d{2}:\d{2}(:\d{2})?$`), "2006.01.02 15:04:05"},
}

var datePatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), "2006-01-02"},
	{regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`), "2006/01/02"},
	{regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}\.?$`), "2006.01.02"},
}

// specialPatterns classify string values that stay strings. The first match
// wins, so the more specific patterns come first.
var specialPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)},
	{"url", regexp.MustCompile(`^https?://\S+$`)},
	{"uuid", regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)},
	{"ip_address", regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)},
	{"phone_kr", regexp.MustCompile(`^0\d{1,2}-\d{3,4}-\d{4}$`)},
	{"phone_intl", regexp.MustCompile(`^\+\d{1,3}[- ]?\d{1,4}[- ]?\d{3,4}[- ]?\d{4}$`)},
	{"korean_name", regexp.MustCompile(`^[가-힣]{2,4}$`)},
	{"stock_code_kr", regexp.MustCompile(`^\d{6}$`)},
	{"currency_code", regexp.MustCompile(`^[A-Z]{3}$`)},
}

// integerStringRe matches strings coercible to integer. Exponent notation is
// deliberately excluded: "1e5" classifies as float, never integer.
var integerStringRe = regexp.MustCompile(`^[+-]?\d+$`)

// categoryIndicators maps each data category to field names that suggest it.
var categoryIndicators = map[DataCategory][]string{
	CategoryNews:         {"title", "content", "author", "published_at", "press", "url", "summary"},
	CategoryFinancial:    {"revenue", "operating_profit", "net_income", "assets", "liabilities", "equity", "fiscal_year", "quarter"},
	CategoryStock:        {"ticker", "stock_code", "open", "high", "low", "close", "volume", "price"},
	CategoryExchange:     {"base_currency", "target_currency", "rate", "currency", "buy_rate", "sell_rate"},
	CategoryMarket:       {"index_name", "index_value", "market_cap", "change", "change_rate", "trading_volume"},
	CategoryAnnouncement: {"title", "company", "announced_at", "category", "filing_type", "document_url"},
}

// Detect infers a schema from the given records. Field hints override the
// inferred type and required flag for matching names; category may pin the
// schema's data category, otherwise DetectCategory runs on the sample.
//
// Field names starting with "_" are promotion/review bookkeeping and are
// skipped. At most sampleSize records are examined.
func (d *Detector) Detect(records []map[string]any, hints []FieldHint, category DataCategory) *Schema {
	sample := records
	if len(sample) > d.sampleSize {
		sample = sample[:d.sampleSize]
	}

	stats := make(map[string]*FieldStats)
	order := make([]string, 0)

	for _, record := range sample {
		for name, value := range record {
			if strings.HasPrefix(name, "_") {
				continue
			}

			fs, seen := stats[name]
			if !seen {
				fs = newFieldStats()
				stats[name] = fs
				order = append(order, name)
			}

			d.observe(fs, value)
		}
	}

	// Map iteration order is random; records list fields in map form too, so
	// the declaration order of the result is alphabetical for determinism.
	sort.Strings(order)

	hintsByName := make(map[string]FieldHint, len(hints))
	for _, hint := range hints {
		hintsByName[hint.Name] = hint
	}

	out := New("")
	out.DataCategory = category

	for _, name := range order {
		field := d.promote(name, stats[name], hintsByName[name])
		// Names came from the stats map, so duplicates are impossible.
		_ = out.AddField(field)
	}

	if out.DataCategory == "" && len(sample) > 0 {
		out.DataCategory = DetectCategory(sample)
	}

	return out
}

func newFieldStats() *FieldStats {
	return &FieldStats{
		TypeCounts:       make(map[FieldType]int),
		UniqueValues:     make(map[string]struct{}),
		SampleValues:     make([]any, 0, sampleValuesCap),
		DetectedPatterns: make(map[string]int),
	}
}

// observe folds one value into the field's statistics.
func (d *Detector) observe(fs *FieldStats, value any) {
	fs.TotalCount++

	if value == nil {
		fs.NullCount++

		return
	}

	if len(fs.UniqueValues) < uniqueValuesCap {
		fs.UniqueValues[fmt.Sprint(value)] = struct{}{}
	}

	if len(fs.SampleValues) < sampleValuesCap {
		fs.SampleValues = append(fs.SampleValues, value)
	}

	switch v := value.(type) {
	case bool:
		fs.TypeCounts[TypeBoolean]++
	case int:
		fs.recordNumeric(TypeInteger, float64(v))
	case int32:
		fs.recordNumeric(TypeInteger, float64(v))
	case int64:
		fs.recordNumeric(TypeInteger, float64(v))
	case float32:
		fs.recordNumeric(TypeFloat, float64(v))
	case float64:
		fs.recordNumeric(TypeFloat, v)
	case json.Number:
		d.observeNumber(fs, v)
	case time.Time:
		fs.TypeCounts[TypeDatetime]++
	case primitive.DateTime:
		fs.TypeCounts[TypeDatetime]++
	case string:
		d.observeString(fs, v)
	case []any, primitive.A:
		fs.TypeCounts[TypeArray]++
	case map[string]any, primitive.M, primitive.D:
		fs.TypeCounts[TypeObject]++
	default:
		fs.TypeCounts[TypeAny]++
	}
}

// observeNumber keeps the integer/float distinction that json.Decoder's
// UseNumber mode preserves.
func (d *Detector) observeNumber(fs *FieldStats, n json.Number) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		if f, err := n.Float64(); err == nil {
			fs.recordNumeric(TypeFloat, f)

			return
		}
	}

	if i, err := n.Int64(); err == nil {
		fs.recordNumeric(TypeInteger, float64(i))

		return
	}

	if f, err := n.Float64(); err == nil {
		fs.recordNumeric(TypeFloat, f)

		return
	}

	fs.TypeCounts[TypeAny]++
}

func (d *Detector) observeString(fs *FieldStats, s string) {
	if s == "" {
		fs.EmptyCount++
		fs.TypeCounts[TypeString]++

		return
	}

	trimmed := strings.TrimSpace(s)

	for _, p := range datetimePatterns {
		if p.re.MatchString(trimmed) {
			fs.TypeCounts[TypeDatetime]++

			return
		}
	}

	for _, p := range datePatterns {
		if p.re.MatchString(trimmed) {
			fs.TypeCounts[TypeDate]++

			return
		}
	}

	if isIntegerString(trimmed) {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			fs.recordNumeric(TypeInteger, f)

			return
		}
	}

	if isFloatString(trimmed) {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			fs.recordNumeric(TypeFloat, f)

			return
		}
	}

	fs.TypeCounts[TypeString]++
	fs.recordLength(len([]rune(s)))

	for _, p := range specialPatterns {
		if p.re.MatchString(trimmed) {
			fs.DetectedPatterns[p.name]++

			break
		}
	}
}

func (fs *FieldStats) recordNumeric(t FieldType, v float64) {
	fs.TypeCounts[t]++

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}

	if fs.MinValue == nil || v < *fs.MinValue {
		value := v
		fs.MinValue = &value
	}

	if fs.MaxValue == nil || v > *fs.MaxValue {
		value := v
		fs.MaxValue = &value
	}
}

func (fs *FieldStats) recordLength(n int) {
	if fs.MinLength == nil || n < *fs.MinLength {
		length := n
		fs.MinLength = &length
	}

	if fs.MaxLength == nil || n > *fs.MaxLength {
		length := n
		fs.MaxLength = &length
	}
}

// isIntegerString reports whether s coerces to an integer. Strings with an
// exponent never qualify even when they denote whole numbers; they fall
// through to the float check instead.
func isIntegerString(s string) bool {
	return integerStringRe.MatchString(s)
}

// isFloatString accepts decimal or exponent notation.
func isFloatString(s string) bool {
	if !strings.ContainsAny(s, ".eE") {
		return false
	}

	_, err := strconv.ParseFloat(s, 64)

	return err == nil
}

// promote turns accumulated stats into a field definition, honoring hints.
func (d *Detector) promote(name string, fs *FieldStats, hint FieldHint) FieldSchema {
	field := FieldSchema{
		Name:        name,
		FieldType:   dominantType(fs.TypeCounts),
		Nullable:    fs.NullCount > 0,
		Description: hint.Description,
	}

	nonNull := fs.TotalCount - fs.NullCount

	if fs.TotalCount > 0 {
		rate := float64(nonNull) / float64(fs.TotalCount)
		field.Required = rate >= d.requiredThreshold
	}

	if hint.Type != "" && hint.Type.IsValid() {
		field.FieldType = hint.Type
	}

	if hint.Required != nil {
		field.Required = *hint.Required
	}

	if pattern, count := dominantPattern(fs.DetectedPatterns); pattern != "" && nonNull > 0 {
		if float64(count) > patternDominance*float64(nonNull) {
			field.Pattern = pattern
		}
	}

	switch field.FieldType {
	case TypeInteger, TypeFloat:
		field.MinValue = fs.MinValue
		field.MaxValue = fs.MaxValue
	case TypeString:
		field.MinLength = fs.MinLength
		field.MaxLength = fs.MaxLength
	}

	examples := fs.SampleValues
	if len(examples) > examplesCap {
		examples = examples[:examplesCap]
	}

	field.Examples = append([]any(nil), examples...)

	return field
}

// dominantType picks the most frequent observed type, breaking ties toward
// the wider type so mixed fields do not flap between runs.
func dominantType(counts map[FieldType]int) FieldType {
	if len(counts) == 0 {
		return TypeAny
	}

	// Wide-to-narrow precedence for tie breaking.
	precedence := []FieldType{
		TypeAny, TypeObject, TypeArray, TypeString, TypeDatetime,
		TypeDate, TypeFloat, TypeInteger, TypeBoolean,
	}

	best := TypeAny
	bestCount := -1

	for _, t := range precedence {
		if counts[t] > bestCount {
			best = t
			bestCount = counts[t]
		}
	}

	return best
}

func dominantPattern(patterns map[string]int) (string, int) {
	best := ""
	bestCount := 0

	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if patterns[name] > bestCount {
			best = name
			bestCount = patterns[name]
		}
	}

	return best, bestCount
}

// DetectCategory guesses the data category by comparing the observed field
// names against per-category indicator sets. The category with the highest
// overlap wins, provided it reaches the 0.3 threshold; otherwise generic.
func DetectCategory(records []map[string]any) DataCategory {
	observed := make(map[string]struct{})

	for _, record := range records {
		for name := range record {
			if strings.HasPrefix(name, "_") {
				continue
			}

			observed[strings.ToLower(name)] = struct{}{}
		}
	}

	if len(observed) == 0 {
		return CategoryGeneric
	}

	best := CategoryGeneric
	bestOverlap := 0.0

	// Iterate in a fixed order so equal overlaps resolve deterministically.
	categories := []DataCategory{
		CategoryNews, CategoryFinancial, CategoryStock,
		CategoryExchange, CategoryMarket, CategoryAnnouncement,
	}

	for _, category := range categories {
		indicators := categoryIndicators[category]

		matched := 0

		for _, indicator := range indicators {
			if _, ok := observed[indicator]; ok {
				matched++
			}
		}

		overlap := float64(matched) / float64(len(indicators))
		if overlap >= categoryOverlapThreshold && overlap > bestOverlap {
			best = category
			bestOverlap = overlap
		}
	}

	return best
}
