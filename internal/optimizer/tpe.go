package optimizer

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// SearchConfig bounds a tree-structured Parzen estimator search.
type SearchConfig struct {
	Trials        int     `yaml:"trials"`
	StartupTrials int     `yaml:"startup_trials"`
	Candidates    int     `yaml:"candidates"`
	Gamma         float64 `yaml:"gamma"`
	Seed          uint64  `yaml:"seed"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{Trials: 50, StartupTrials: 10, Candidates: 24, Gamma: 0.25, Seed: 42}
}

// Objective scores one parameter set; higher is better.
type Objective func(params map[string]float64) float64

// Search proposes and scores up to cfg.Trials parameter sets. The first StartupTrials are
// drawn uniformly; later proposals maximize l(x)/g(x), where l and g are Parzen densities
// fitted to the best gamma share of trials and to the rest. When ctx ends early the trials
// finished so far are returned with ctx's error.
func Search(ctx context.Context, space strategy.SearchSpace, cfg SearchConfig, objective Objective) ([]Trial, error) {
	s := newSampler(space, cfg)
	trials := make([]Trial, 0, cfg.Trials)
	for i := 0; i < cfg.Trials; i++ {
		if err := ctx.Err(); err != nil {
			return trials, err
		}
		var params map[string]float64
		if i < cfg.StartupTrials || len(trials) < 2 {
			params = s.random()
		} else {
			params = s.propose(trials)
		}
		trials = append(trials, Trial{Number: i, Params: params, Value: objective(params)})
	}
	return trials, nil
}

// Best returns the trial with the highest value; the earliest wins ties.
func Best(trials []Trial) (Trial, bool) {
	if len(trials) == 0 {
		return Trial{}, false
	}
	best := trials[0]
	for _, t := range trials[1:] {
		if t.Value > best.Value {
			best = t
		}
	}
	return best, true
}

type sampler struct {
	space strategy.SearchSpace
	names []string
	cfg   SearchConfig
	src   rand.Source
	rng   *rand.Rand
}

func newSampler(space strategy.SearchSpace, cfg SearchConfig) *sampler {
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultSearchConfig().Candidates
	}
	if cfg.Gamma <= 0 || cfg.Gamma >= 1 {
		cfg.Gamma = DefaultSearchConfig().Gamma
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed+1)
	return &sampler{space: space, names: space.Names(), cfg: cfg, src: src, rng: rand.New(src)}
}

func (s *sampler) random() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, n := range s.names {
		d := s.space[n]
		out[n] = d.Snap(d.Low + s.rng.Float64()*(d.High-d.Low))
	}
	return out
}

func (s *sampler) propose(trials []Trial) map[string]float64 {
	sorted := append([]Trial(nil), trials...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })
	nGood := max(1, int(math.Ceil(s.cfg.Gamma*float64(len(sorted)))))
	good, bad := sorted[:nGood], sorted[nGood:]

	best := map[string]float64(nil)
	bestScore := math.Inf(-1)
	for c := 0; c < s.cfg.Candidates; c++ {
		cand := make(map[string]float64, len(s.names))
		score := 0.0
		for _, n := range s.names {
			d := s.space[n]
			l := s.parzen(d, column(good, n))
			g := s.parzen(d, column(bad, n))
			x := d.Snap(l.sample(s.rng))
			cand[n] = x
			score += math.Log(l.density(x)) - math.Log(g.density(x))
		}
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func column(trials []Trial, name string) []float64 {
	out := make([]float64, len(trials))
	for i, t := range trials {
		out[i] = t.Params[name]
	}
	return out
}

// mixture is an equally weighted Gaussian mixture with a uniform prior component over the
// dimension bounds.
type mixture struct {
	low, high float64
	parts     []distuv.Normal
}

func (s *sampler) parzen(d strategy.Dimension, obs []float64) mixture {
	width := d.High - d.Low
	if width <= 0 {
		width = 1
	}
	sigma := width / 2
	if len(obs) > 0 {
		sigma = math.Max(width*math.Pow(float64(len(obs)), -0.2)/2, width/20)
	}
	m := mixture{low: d.Low, high: d.High}
	for _, o := range obs {
		m.parts = append(m.parts, distuv.Normal{Mu: o, Sigma: sigma, Src: s.src})
	}
	return m
}

func (m mixture) density(x float64) float64 {
	width := m.high - m.low
	prior := 1.0
	if width > 0 {
		prior = 1 / width
	}
	sum := prior
	for _, p := range m.parts {
		sum += p.Prob(x)
	}
	return sum / float64(len(m.parts)+1)
}

func (m mixture) sample(rng *rand.Rand) float64 {
	k := rng.IntN(len(m.parts) + 1)
	if k == len(m.parts) {
		return m.low + rng.Float64()*(m.high-m.low)
	}
	return m.parts[k].Rand()
}
