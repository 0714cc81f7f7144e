package friction

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/funnel"
)

const (
	msgNotEnoughDeals = "Not enough deals to train (need at least 50)."
	msgSingleClass    = "Need both Won and Lost deals to train the model."
)

// Options holds the training hyperparameters. The documented output contract
// holds for DefaultOptions only.
type Options struct {
	Seed          uint32
	Iterations    int
	LearningRate  float64
	L2            float64
	MinDeals      int
	TrainFraction float64
	MaxDrivers    int
	// NewRng builds the split generator; nil uses Mulberry32.
	NewRng func(seed uint32) SeededRng
}

// DefaultOptions returns the fixed training configuration.
func DefaultOptions() Options {
	return Options{
		Seed:          config.DefaultTrainingSeed,
		Iterations:    config.DefaultTrainingIterations,
		LearningRate:  config.DefaultTrainingLearningRate,
		L2:            config.DefaultTrainingL2,
		MinDeals:      config.DefaultTrainingMinDeals,
		TrainFraction: config.DefaultTrainingTrainFraction,
		MaxDrivers:    config.DefaultTrainingMaxDrivers,
	}
}

// Driver is one learned coefficient on the standardized scale.
type Driver struct {
	Feature     string  `json:"feature"`
	Coefficient float64 `json:"coefficient"`
	Importance  float64 `json:"importance"`
}

// Metrics describes the training data and held-out performance.
type Metrics struct {
	NDeals       int      `json:"n_deals"`
	PositiveRate float64  `json:"positive_rate"`
	NTrain       int      `json:"n_train"`
	NTest        int      `json:"n_test"`
	Accuracy     float64  `json:"accuracy"`
	AUC          *float64 `json:"auc"`
}

// Result is either a fitted model summary (OK) or a human-readable failure.
type Result struct {
	OK      bool     `json:"ok"`
	Drivers []Driver `json:"drivers,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Failed builds a failure result.
func Failed(message string) Result {
	return Result{OK: false, Message: message}
}

// Train fits a regularized logistic regression of Won against deal features.
// Insufficient data is reported through the Result; the error is non-nil only
// when ctx is cancelled before training completes.
func Train(ctx context.Context, deals []funnel.DealRollup, cats Categories, opts Options) (Result, error) {
	n := len(deals)
	if n < opts.MinDeals {
		return Failed(msgNotEnoughDeals), nil
	}

	y := make([]float64, n)
	won := 0
	for i, d := range deals {
		if d.Won() {
			y[i] = 1
			won++
		}
	}
	if won == 0 || won == n {
		return Failed(msgSingleClass), nil
	}

	names := FeatureNames(cats)
	p := len(names)
	X := make([][]float64, n)
	for i, d := range deals {
		X[i] = featureRow(d, cats)
	}

	newRng := opts.NewRng
	if newRng == nil {
		newRng = func(seed uint32) SeededRng { return NewMulberry32(seed) }
	}
	idx := shuffledIndices(n, newRng(opts.Seed))
	nTrain := int(math.Floor(float64(n) * opts.TrainFraction))
	trainIdx, testIdx := idx[:nTrain], idx[nTrain:]

	xTrain, yTrain := gather(X, y, trainIdx)
	xTest, yTest := gather(X, y, testIdx)

	means, stds := fitScaler(xTrain, NumericFeatureCount)
	xTrain = applyScaler(xTrain, means, stds)
	xTest = applyScaler(xTest, means, stds)

	// weights[0] is the intercept.
	weights := make([]float64, p+1)
	grad := make([]float64, p+1)
	m := float64(max(len(xTrain), 1))
	for iter := 0; iter < opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("friction: training cancelled at iteration %d: %w", iter, err)
		}
		clear(grad)
		for i, row := range xTrain {
			e := sigmoid(linear(weights, row)) - yTrain[i]
			grad[0] += e
			for j, v := range row {
				grad[j+1] += e * v
			}
		}
		weights[0] -= opts.LearningRate * (grad[0] / m)
		for j := 1; j <= p; j++ {
			w := weights[j]
			weights[j] = w - opts.LearningRate*(grad[j]/m+opts.L2*w)
		}
	}

	probs := make([]float64, len(xTest))
	correct := 0
	for i, row := range xTest {
		probs[i] = sigmoid(linear(weights, row))
		pred := 0.0
		if probs[i] >= 0.5 {
			pred = 1
		}
		if pred == yTest[i] {
			correct++
		}
	}
	accuracy := 0.0
	if len(xTest) > 0 {
		accuracy = float64(correct) / float64(len(xTest))
	}

	return Result{
		OK:      true,
		Drivers: topDrivers(names, weights, opts.MaxDrivers),
		Metrics: &Metrics{
			NDeals:       n,
			PositiveRate: float64(won) / float64(n),
			NTrain:       len(xTrain),
			NTest:        len(xTest),
			Accuracy:     accuracy,
			AUC:          aucScore(yTest, probs),
		},
	}, nil
}

func gather(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for k, i := range idx {
		xs[k] = X[i]
		ys[k] = y[i]
	}
	return xs, ys
}

// fitScaler computes mean and population std of the first k columns; zero std becomes 1.
func fitScaler(X [][]float64, k int) ([]float64, []float64) {
	means := make([]float64, k)
	stds := make([]float64, k)
	n := float64(len(X))
	for j := 0; j < k; j++ {
		var s float64
		for _, row := range X {
			s += row[j]
		}
		means[j] = s / n
	}
	for j := 0; j < k; j++ {
		var ss float64
		for _, row := range X {
			d := row[j] - means[j]
			ss += d * d
		}
		stds[j] = math.Sqrt(ss / n)
		if stds[j] == 0 || math.IsNaN(stds[j]) {
			stds[j] = 1
		}
	}
	return means, stds
}

// applyScaler returns standardized copies; one-hot columns pass through.
func applyScaler(X [][]float64, means, stds []float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		r := append([]float64(nil), row...)
		for j := range means {
			r[j] = (r[j] - means[j]) / stds[j]
		}
		out[i] = r
	}
	return out
}

func linear(weights, row []float64) float64 {
	z := weights[0]
	for j, v := range row {
		z += weights[j+1] * v
	}
	return z
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

// aucScore is the rank-sum (Mann-Whitney U) estimate; nil when only one class is present.
func aucScore(yTrue, probs []float64) *float64 {
	var pos, neg float64
	for _, y := range yTrue {
		if y == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil
	}

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] < probs[order[b]] })

	var rankSum float64
	for rank, i := range order {
		if yTrue[i] == 1 {
			rankSum += float64(rank + 1)
		}
	}
	auc := (rankSum - pos*(pos+1)/2) / (pos * neg)
	return &auc
}

func topDrivers(names []string, weights []float64, limit int) []Driver {
	drivers := make([]Driver, len(names))
	for j, name := range names {
		c := weights[j+1]
		drivers[j] = Driver{Feature: name, Coefficient: c, Importance: math.Abs(c)}
	}
	sort.SliceStable(drivers, func(a, b int) bool { return drivers[a].Importance > drivers[b].Importance })
	if limit > 0 && len(drivers) > limit {
		drivers = drivers[:limit]
	}
	return drivers
}
