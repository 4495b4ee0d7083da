package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/blob"
	"github.com/driesdejong/leadradar/internal/lead"
)

// logRegModel is the persisted form of a trained logistic regression:
// a bias plus one weight per feature key, scored as
// sigmoid(bias + sum(weight_i * feature_i)).
type logRegModel struct {
	Bias      float64            `json:"bias"`
	Weights   map[string]float64 `json:"weights"`
	Samples   int                `json:"samples"`
	TrainedAt time.Time          `json:"trained_at,omitempty"`
}

func blankModel() logRegModel {
	return logRegModel{Weights: make(map[string]float64)}
}

func (m logRegModel) trained() bool {
	return m.Samples > 0
}

func (m logRegModel) predict(features lead.FeatureVector) float64 {
	z := m.Bias
	for key, value := range features {
		if w, ok := m.Weights[key]; ok {
			z += w * value
		}
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// LogRegOption customizes a LearnedScorer.
type LogRegOption func(*LearnedScorer)

// WithEpochs sets the number of gradient descent passes per Train call.
func WithEpochs(epochs int) LogRegOption {
	return func(s *LearnedScorer) {
		if epochs > 0 {
			s.epochs = epochs
		}
	}
}

// WithLearnRate sets the gradient descent step size.
func WithLearnRate(rate float64) LogRegOption {
	return func(s *LearnedScorer) {
		if rate > 0 {
			s.learnRate = rate
		}
	}
}

// WithClock overrides the clock used to stamp trained models.
func WithClock(clock lead.Clock) LogRegOption {
	return func(s *LearnedScorer) { s.clock = clock }
}

// LearnedScorer scores with a trained logistic regression persisted through
// a blob store. Construction loads the model if one exists and otherwise
// starts blank; a missing or corrupt artifact is recovered by falling back
// to the blank model, never by failing.
type LearnedScorer struct {
	store     blob.Store
	key       string
	epochs    int
	learnRate float64
	clock     lead.Clock
	logger    *zap.Logger

	mu    sync.RWMutex
	model logRegModel
}

// NewLearnedScorer builds a LearnedScorer backed by the artifact at key.
func NewLearnedScorer(ctx context.Context, store blob.Store, key string, logger *zap.Logger, opts ...LogRegOption) (*LearnedScorer, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if key == "" {
		return nil, fmt.Errorf("model key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &LearnedScorer{
		store:     store,
		key:       key,
		epochs:    200,
		learnRate: 0.1,
		logger:    logger,
		model:     blankModel(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, lead.ErrNotFound):
		logger.Info("no persisted model, starting blank", zap.String("key", key))
	case err != nil:
		logger.Warn("model load failed, starting blank",
			zap.String("key", key),
			zap.NamedError("cause", fmt.Errorf("%w: %v", lead.ErrModelUnavailable, err)))
	default:
		var m logRegModel
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			logger.Warn("model artifact corrupt, starting blank",
				zap.String("key", key),
				zap.NamedError("cause", fmt.Errorf("%w: %v", lead.ErrModelUnavailable, jsonErr)))
		} else {
			if m.Weights == nil {
				m.Weights = make(map[string]float64)
			}
			s.model = m
		}
	}
	return s, nil
}

// Name identifies this scorer in lead tags.
func (s *LearnedScorer) Name() string { return "logreg" }

// Score returns the positive-class probability plus a short rationale
// naming the strongest positive contributions.
func (s *LearnedScorer) Score(features lead.FeatureVector) (float64, string, error) {
	s.mu.RLock()
	model := s.model
	s.mu.RUnlock()

	if !model.trained() {
		return model.predict(features), "model untrained", nil
	}
	return model.predict(features), topContributors(model, features, 3), nil
}

// Train fits the model on the labeled matrix and persists it, overwriting
// any previous artifact. Labels are 0 or 1. Training holds the write lock
// only for the final swap, so concurrent Score calls keep using the old
// model until the new one is complete.
func (s *LearnedScorer) Train(ctx context.Context, matrix []lead.FeatureVector, labels []float64) error {
	if len(matrix) == 0 {
		return fmt.Errorf("training matrix is empty")
	}
	if len(matrix) != len(labels) {
		return fmt.Errorf("matrix rows (%d) and labels (%d) differ", len(matrix), len(labels))
	}

	model := blankModel()
	for _, key := range lead.FeatureKeys {
		model.Weights[key] = 0
	}

	// Plain batch gradient descent on log loss.
	for epoch := 0; epoch < s.epochs; epoch++ {
		gradBias := 0.0
		grad := make(map[string]float64, len(model.Weights))
		for i, row := range matrix {
			err := model.predict(row) - labels[i]
			gradBias += err
			for key, value := range row {
				grad[key] += err * value
			}
		}
		n := float64(len(matrix))
		model.Bias -= s.learnRate * gradBias / n
		for key := range model.Weights {
			model.Weights[key] -= s.learnRate * grad[key] / n
		}
	}

	model.Samples = len(matrix)
	if s.clock != nil {
		model.TrainedAt = s.clock.Now()
	} else {
		model.TrainedAt = time.Now().UTC()
	}

	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	if err := s.store.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("persist model: %w", err)
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	s.logger.Info("model trained",
		zap.String("key", s.key),
		zap.Int("samples", model.Samples),
		zap.Float64("bias", model.Bias))
	return nil
}

// topContributors lists up to n feature keys with the largest positive
// weight*value products, strongest first.
func topContributors(model logRegModel, features lead.FeatureVector, n int) string {
	type contribution struct {
		key   string
		value float64
	}
	contributions := make([]contribution, 0, len(features))
	// Walk the fixed key order so equal contributions tie-break stably.
	for _, key := range lead.FeatureKeys {
		product := model.Weights[key] * features[key]
		if product > 0 {
			contributions = append(contributions, contribution{key: key, value: product})
		}
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].value > contributions[j].value
	})
	if len(contributions) > n {
		contributions = contributions[:n]
	}
	if len(contributions) == 0 {
		return ""
	}
	parts := make([]string, len(contributions))
	for i, c := range contributions {
		parts[i] = c.key
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
