// Package projection embeds high-dimensional activations in two dimensions
// for plotting.
package projection

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Embedder maps an N x D matrix to N x 2.
type Embedder interface {
	Embed(ctx context.Context, x *mat.Dense) (*mat.Dense, error)
}

// Initialization strategies for the embedding.
const (
	InitPCA    = "pca"
	InitRandom = "random"
)

const (
	explorationIters = 250
	minGain          = 0.01
	minGradNorm      = 1e-7
	checkEvery       = 50
	machineEpsilon   = 2.220446049250313e-16
	searchSteps      = 100
	entropyTol       = 1e-5
)

// TSNE is an exact t-SNE embedder with the optimization schedule of
// scikit-learn: early exaggeration for 250 iterations at momentum 0.5, then
// momentum 0.8, with per-coordinate gains.
type TSNE struct {
	Perplexity        float64
	Iterations        int
	LearningRate      float64 // <= 0 selects max(N/EarlyExaggeration/4, 50)
	EarlyExaggeration float64
	Init              string
	Seed              int64

	Logger *zap.Logger

	kl float64
}

// NewTSNE returns an embedder with the scikit-learn defaults.
func NewTSNE(seed int64) *TSNE {
	return &TSNE{
		Perplexity:        30,
		Iterations:        1000,
		EarlyExaggeration: 12,
		Init:              InitPCA,
		Seed:              seed,
	}
}

// KLDivergence is the KL divergence of the last embedding.
func (t *TSNE) KLDivergence() float64 {
	return t.kl
}

// Embed returns the N x 2 embedding of x. The perplexity is lowered to
// (N-1)/3 when x has too few rows for it.
func (t *TSNE) Embed(ctx context.Context, x *mat.Dense) (*mat.Dense, error) {
	if x == nil {
		return nil, errors.New("tsne: nil input")
	}
	n, _ := x.Dims()
	if n == 0 {
		return nil, errors.New("tsne: empty input")
	}
	if t.Perplexity <= 0 {
		return nil, errors.Errorf("tsne: perplexity must be positive, got %g", t.Perplexity)
	}
	if t.Iterations <= explorationIters {
		return nil, errors.Errorf("tsne: iterations must exceed %d, got %d", explorationIters, t.Iterations)
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if n < 3 {
		// too few points for a neighborhood; place them on a line
		y := mat.NewDense(n, 2, nil)
		for i := 0; i < n; i++ {
			y.Set(i, 0, float64(i))
		}
		return y, nil
	}

	perplexity := math.Min(t.Perplexity, float64(n-1)/3)
	exaggeration := t.EarlyExaggeration
	if exaggeration <= 0 {
		exaggeration = 12
	}
	lr := t.LearningRate
	if lr <= 0 {
		lr = math.Max(float64(n)/exaggeration/4, 50)
	}

	p := jointProbabilities(squaredDistances(x), perplexity)

	y, err := t.initial(x)
	if err != nil {
		return nil, err
	}

	logger.Debug("tsne start",
		zap.Int("points", n),
		zap.Float64("perplexity", perplexity),
		zap.Float64("learning_rate", lr),
	)

	floats.Scale(exaggeration, p)
	opt := newDescent(n, lr)
	for iter := 0; iter < t.Iterations; iter++ {
		if iter == explorationIters {
			floats.Scale(1/exaggeration, p)
			opt.momentum = 0.8
		}

		kl, gradNorm := gradient(p, y.RawMatrix().Data, opt.grad, opt.num, n)
		opt.step(y.RawMatrix().Data)

		if (iter+1)%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t.kl = kl
			logger.Debug("tsne iteration", zap.Int("iteration", iter+1), zap.Float64("kl", kl), zap.Float64("grad_norm", gradNorm))
		}
		if iter >= explorationIters && gradNorm < minGradNorm {
			t.kl = kl
			break
		}
	}

	// final KL against the unexaggerated P
	t.kl, _ = gradient(p, y.RawMatrix().Data, opt.grad, opt.num, n)
	logger.Debug("tsne done", zap.Float64("kl", t.kl))
	return y, nil
}

func (t *TSNE) initial(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	switch t.Init {
	case InitRandom, "":
		rng := rand.New(rand.NewSource(t.Seed))
		y := mat.NewDense(n, 2, nil)
		data := y.RawMatrix().Data
		for i := range data {
			data[i] = 1e-4 * rng.NormFloat64()
		}
		return y, nil
	case InitPCA:
		if d < 2 {
			y := mat.NewDense(n, 2, nil)
			for i := 0; i < n; i++ {
				y.Set(i, 0, x.At(i, 0))
			}
			return scaleInit(y), nil
		}
		var pc stat.PC
		if !pc.PrincipalComponents(x, nil) {
			return nil, errors.New("tsne: PCA initialization failed")
		}
		var vecs mat.Dense
		pc.VectorsTo(&vecs)
		centered := mat.DenseCopyOf(x)
		for j := 0; j < d; j++ {
			col := mat.Col(nil, j, x)
			mean := stat.Mean(col, nil)
			for i := 0; i < n; i++ {
				centered.Set(i, j, col[i]-mean)
			}
		}
		var y mat.Dense
		y.Mul(centered, vecs.Slice(0, d, 0, 2))
		return scaleInit(&y), nil
	default:
		return nil, errors.Errorf("tsne: unknown init %q", t.Init)
	}
}

// scaleInit rescales y so its first column has standard deviation 1e-4.
func scaleInit(y *mat.Dense) *mat.Dense {
	sd := stat.StdDev(mat.Col(nil, 0, y), nil)
	if sd == 0 || math.IsNaN(sd) {
		return y
	}
	y.Scale(1e-4/sd, y)
	return y
}

func squaredDistances(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n*n)
	for i := 0; i < n; i++ {
		ri := x.RawRowView(i)
		for j := i + 1; j < n; j++ {
			rj := x.RawRowView(j)
			var s float64
			for k := range ri {
				diff := ri[k] - rj[k]
				s += diff * diff
			}
			d[i*n+j] = s
			d[j*n+i] = s
		}
	}
	return d
}

// jointProbabilities finds for every point the Gaussian precision whose
// conditional distribution has the requested perplexity, then symmetrizes
// and normalizes the result. The returned n x n matrix is row-major.
func jointProbabilities(dist []float64, perplexity float64) []float64 {
	n := int(math.Sqrt(float64(len(dist))))
	target := math.Log(perplexity)
	p := make([]float64, n*n)

	for i := 0; i < n; i++ {
		row := p[i*n : (i+1)*n]
		di := dist[i*n : (i+1)*n]
		beta, betaMin, betaMax := 1.0, math.Inf(-1), math.Inf(1)

		for step := 0; step < searchSteps; step++ {
			var sumP float64
			for j := range row {
				if j == i {
					row[j] = 0
					continue
				}
				row[j] = math.Exp(-di[j] * beta)
				sumP += row[j]
			}
			if sumP == 0 {
				sumP = machineEpsilon
			}
			var sumDP float64
			for j := range row {
				row[j] /= sumP
				sumDP += di[j] * row[j]
			}
			entropy := math.Log(sumP) + beta*sumDP

			diff := entropy - target
			if math.Abs(diff) <= entropyTol {
				break
			}
			if diff > 0 {
				betaMin = beta
				if math.IsInf(betaMax, 1) {
					beta *= 2
				} else {
					beta = (beta + betaMax) / 2
				}
			} else {
				betaMax = beta
				if math.IsInf(betaMin, -1) {
					beta /= 2
				} else {
					beta = (beta + betaMin) / 2
				}
			}
		}
	}

	joint := make([]float64, n*n)
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := p[i*n+j] + p[j*n+i]
			joint[i*n+j] = v
			total += v
		}
	}
	total = math.Max(total, machineEpsilon)
	for i := range joint {
		joint[i] = math.Max(joint[i]/total, machineEpsilon)
	}
	for i := 0; i < n; i++ {
		joint[i*n+i] = 0
	}
	return joint
}

// gradient writes the KL gradient for embedding y (row-major, n x 2) into
// grad, using num (n x n) as scratch. It returns the divergence and the
// gradient norm.
func gradient(p, y, grad, num []float64, n int) (kl, norm float64) {
	var sum float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := y[2*i] - y[2*j]
			dy := y[2*i+1] - y[2*j+1]
			q := 1 / (1 + dx*dx + dy*dy)
			num[i*n+j] = q
			num[j*n+i] = q
			sum += 2 * q
		}
	}

	for i := range grad {
		grad[i] = 0
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			pij := p[i*n+j]
			q := math.Max(num[i*n+j]/sum, machineEpsilon)
			kl += pij * math.Log(math.Max(pij, machineEpsilon)/q)

			mult := (pij - q) * num[i*n+j]
			grad[2*i] += mult * (y[2*i] - y[2*j])
			grad[2*i+1] += mult * (y[2*i+1] - y[2*j+1])
		}
	}
	floats.Scale(4, grad)
	return kl, floats.Norm(grad, 2)
}

// descent is gradient descent with momentum and adaptive per-coordinate
// gains.
type descent struct {
	lr       float64
	momentum float64
	grad     []float64
	num      []float64
	update   []float64
	gains    []float64
}

func newDescent(n int, lr float64) *descent {
	gains := make([]float64, 2*n)
	for i := range gains {
		gains[i] = 1
	}
	return &descent{
		lr:       lr,
		momentum: 0.5,
		grad:     make([]float64, 2*n),
		num:      make([]float64, n*n),
		update:   make([]float64, 2*n),
		gains:    gains,
	}
}

func (d *descent) step(y []float64) {
	for i, g := range d.grad {
		if d.update[i]*g < 0 {
			d.gains[i] += 0.2
		} else {
			d.gains[i] *= 0.8
		}
		if d.gains[i] < minGain {
			d.gains[i] = minGain
		}
		d.update[i] = d.momentum*d.update[i] - d.lr*d.gains[i]*g
		y[i] += d.update[i]
	}
}

// Subsample returns max sorted distinct indices drawn from [0, n) with a
// seeded RNG, or every index when max <= 0 or max >= n.
func Subsample(n, max int, seed int64) []int {
	if max <= 0 || max >= n {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)[:max]
	sort.Ints(perm)
	return perm
}
