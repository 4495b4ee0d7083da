// Package ranking implements the lead-scoring pipeline: feature extraction,
// the pluggable scorers and the orchestration that turns an account into a
// scored lead.
package ranking

import (
	"strings"

	"github.com/driesdejong/leadradar/internal/lead"
)

// staleSentinel marks accounts whose last post time is unknown. Treated as
// "very stale", never as an error.
const staleSentinel = 999.0

// followersBucketCap caps the capped-linear followers bucket.
const followersBucketCap = 10.0

// ExtractorConfig is the feature vocabulary. All sets are data, not logic;
// swapping the trade category or target country requires no code change.
type ExtractorConfig struct {
	// Keywords match the bio (substring) and the category label (exact).
	Keywords []string
	// CityKeywords match the bio by substring; disjoint set from Keywords
	// but the same matching rule.
	CityKeywords []string
	// CountrySuffix marks websites in the target market, e.g. ".nl".
	CountrySuffix string
}

// Extractor maps an account to a fixed-shape feature vector. Extraction is
// pure: no I/O, no mutation, deterministic given the account and the
// injected clock.
type Extractor struct {
	keywords      []string
	cityKeywords  []string
	countrySuffix string
	clock         lead.Clock
}

// NewExtractor builds an Extractor. Keyword sets are lower-cased once here
// so per-account extraction only lower-cases the account fields.
func NewExtractor(cfg ExtractorConfig, clock lead.Clock) *Extractor {
	return &Extractor{
		keywords:      lowerAll(cfg.Keywords),
		cityKeywords:  lowerAll(cfg.CityKeywords),
		countrySuffix: strings.ToLower(cfg.CountrySuffix),
		clock:         clock,
	}
}

// Extract builds the feature vector for an account. Optional account fields
// may all be absent; every feature then takes its documented default.
// Values outside their domain (negative counters, future post times) are
// clamped rather than rejected.
func (e *Extractor) Extract(account lead.Account) lead.FeatureVector {
	features := make(lead.FeatureVector, len(lead.FeatureKeys))

	bio := strings.ToLower(account.Bio)
	features[lead.FeatureBioKeyword] = boolFeature(containsAny(bio, e.keywords))
	features[lead.FeatureCategoryKeyword] = boolFeature(equalsAny(strings.ToLower(account.Category), e.keywords))

	website := strings.ToLower(account.Website)
	features[lead.FeatureWebsiteTLD] = boolFeature(website != "" && e.countrySuffix != "" && strings.HasSuffix(website, e.countrySuffix))

	followers := clampCounter(account.Metrics[lead.MetricFollowers])
	bucket := float64(followers) / 1000.0
	if bucket > followersBucketCap {
		bucket = followersBucketCap
	}
	features[lead.FeatureFollowersBucket] = bucket

	features[lead.FeatureMediaCount] = float64(clampCounter(account.Metrics[lead.MetricMediaCount]))

	if account.LastPostAt != nil {
		days := int(e.clock.Now().Sub(*account.LastPostAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		features[lead.FeatureDaysSincePost] = float64(days)
	} else {
		features[lead.FeatureDaysSincePost] = staleSentinel
	}

	source := strings.ToLower(string(account.Source))
	features[lead.FeatureSourceHashtag] = boolFeature(source == string(lead.SourceHashtag))
	features[lead.FeatureSourceMaps] = boolFeature(source == string(lead.SourceMaps))

	features[lead.FeatureCityKeyword] = boolFeature(containsAny(bio, e.cityKeywords))

	return features
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}

func containsAny(haystack string, needles []string) bool {
	if haystack == "" {
		return false
	}
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func equalsAny(value string, candidates []string) bool {
	for _, c := range candidates {
		if c != "" && value == c {
			return true
		}
	}
	return false
}

func clampCounter(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
