package ranking

import (
	"strings"

	"github.com/driesdejong/leadradar/internal/lead"
)

// Reason fragments emitted by the rule scorer, in trigger-check order.
const (
	reasonBioKeyword = "bio keyword"
	reasonWebsite    = "nl website"
	reasonFollowers  = "followers"
)

// RuleConfig holds the rule scorer's weights and thresholds.
type RuleConfig struct {
	BioWeight          float64
	WebsiteWeight      float64
	FollowersWeight    float64
	FollowersThreshold float64
}

// DefaultRuleConfig returns the reference weights.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		BioWeight:          0.4,
		WebsiteWeight:      0.3,
		FollowersWeight:    0.2,
		FollowersThreshold: 1.0,
	}
}

// RuleScorer is the deterministic weighted-sum scorer. It needs no training
// data or external state and is the default scorer.
//
// The confidence is the raw sum of triggered weights. With the reference
// weights the natural range is [0, 0.9]; the sum is deliberately not
// clamped to [0, 1], matching the reference behavior. TestRuleScorerCeiling
// pins the current ceiling so a rule addition that can push past 1.0 is a
// conscious decision, not an accident.
type RuleScorer struct {
	cfg RuleConfig
}

// NewRuleScorer builds a RuleScorer with the given weights.
func NewRuleScorer(cfg RuleConfig) *RuleScorer {
	return &RuleScorer{cfg: cfg}
}

// Name identifies this scorer in lead tags.
func (s *RuleScorer) Name() string { return "rule" }

// Score sums the triggered weights and joins the triggered rationale
// fragments in a fixed order: bio, website, followers.
func (s *RuleScorer) Score(features lead.FeatureVector) (float64, string, error) {
	var confidence float64
	var reasons []string

	if features[lead.FeatureBioKeyword] > 0 {
		confidence += s.cfg.BioWeight
		reasons = append(reasons, reasonBioKeyword)
	}
	if features[lead.FeatureWebsiteTLD] > 0 {
		confidence += s.cfg.WebsiteWeight
		reasons = append(reasons, reasonWebsite)
	}
	if features[lead.FeatureFollowersBucket] > s.cfg.FollowersThreshold {
		confidence += s.cfg.FollowersWeight
		reasons = append(reasons, reasonFollowers)
	}

	return confidence, strings.Join(reasons, ", "), nil
}
