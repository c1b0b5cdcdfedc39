// Package bandit implements the contextual Thompson sampler that learns
// online which provider to prefer per request context. Each context bucket
// keeps independent Beta(alpha, beta) statistics per arm (provider), so a
// model strong in one domain never dominates another.
package bandit

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/jordanhubbard/modelplane/internal/route"
)

// Bucket is the contextual key under which the sampler keeps independent
// statistics. Requests with the same domain, budget tier, and tool
// requirement share one bucket.
type Bucket uint64

// BucketFor derives the bucket from the routing-relevant context attributes.
func BucketFor(domain route.Domain, tier route.BudgetTier, requireTools bool) Bucket {
	h := fnv.New64a()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(tier))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(requireTools)))
	return Bucket(h.Sum64())
}

// arm holds the Beta parameters and running outcome means for one provider
// within one bucket. Alpha counts successes and Beta failures, both offset by
// the uniform prior (1, 1).
type arm struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// Welford running means over observed outcomes.
	Count       int64   `json:"count"`
	MeanCost    float64 `json:"mean_cost"`
	MeanLatency float64 `json:"mean_latency_ms"`
}

// bucketState carries one bucket's arms under its own lock, so updates for
// distinct buckets never contend.
type bucketState struct {
	mu   sync.Mutex
	arms map[route.Provider]*arm
}

func (bs *bucketState) arm(p route.Provider) *arm {
	a, ok := bs.arms[p]
	if !ok {
		a = &arm{Alpha: 1, Beta: 1}
		bs.arms[p] = a
	}
	return a
}

// Sampler is the contextual Thompson sampler. It is unaware of request
// content; it sees only buckets and scalar outcomes.
type Sampler struct {
	mu      sync.RWMutex
	buckets map[Bucket]*bucketState

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSeed pins the sampler's random source for deterministic tests.
func WithSeed(seed int64) Option {
	return func(s *Sampler) { s.rng = rand.New(rand.NewSource(seed)) }
}

// New creates a sampler with uniform Beta(1, 1) priors everywhere.
func New(opts ...Option) *Sampler {
	s := &Sampler{
		buckets: make(map[Bucket]*bucketState),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sampler) bucket(b Bucket) *bucketState {
	s.mu.RLock()
	bs, ok := s.buckets[b]
	s.mu.RUnlock()
	if ok {
		return bs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bs, ok := s.buckets[b]; ok {
		return bs
	}
	bs = &bucketState{arms: make(map[route.Provider]*arm)}
	s.buckets[b] = bs
	return bs
}

// Choose draws one Beta sample per arm and returns the arm with the largest
// draw. Arms never observed in this bucket sample from the uniform prior, so
// unexplored providers still get traffic.
func (s *Sampler) Choose(b Bucket, arms []route.Provider) (route.Provider, bool) {
	if len(arms) == 0 {
		return "", false
	}
	bs := s.bucket(b)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	best := arms[0]
	bestTheta := -1.0
	for _, p := range arms {
		a := bs.arm(p)
		theta := s.betaSample(a.Alpha, a.Beta)
		if theta > bestTheta {
			best, bestTheta = p, theta
		}
	}
	return best, true
}

// Record updates the arm's Beta parameters and running cost/latency means for
// one observed outcome. The composite success criterion is the caller's job;
// the sampler only counts.
func (s *Sampler) Record(b Bucket, p route.Provider, success bool, costEuro float64, latencyMs int64) {
	bs := s.bucket(b)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	a := bs.arm(p)
	if success {
		a.Alpha++
	} else {
		a.Beta++
	}
	a.Count++
	n := float64(a.Count)
	a.MeanCost += (costEuro - a.MeanCost) / n
	a.MeanLatency += (float64(latencyMs) - a.MeanLatency) / n
}

// Reset clears the statistics for one bucket.
func (s *Sampler) Reset(b Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, b)
}

// ResetAll clears every bucket.
func (s *Sampler) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[Bucket]*bucketState)
}

// ArmView is a read-only view of one arm, exposed by admin queries.
type ArmView struct {
	Provider    route.Provider `json:"provider"`
	Alpha       float64        `json:"alpha"`
	Beta        float64        `json:"beta"`
	Count       int64          `json:"count"`
	MeanCost    float64        `json:"mean_cost"`
	MeanLatency float64        `json:"mean_latency_ms"`
}

// Arms returns the bucket's arm statistics ordered by provider.
func (s *Sampler) Arms(b Bucket) []ArmView {
	s.mu.RLock()
	bs, ok := s.buckets[b]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]ArmView, 0, len(bs.arms))
	for p, a := range bs.arms {
		out = append(out, ArmView{
			Provider:    p,
			Alpha:       a.Alpha,
			Beta:        a.Beta,
			Count:       a.Count,
			MeanCost:    a.MeanCost,
			MeanLatency: a.MeanLatency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// BucketCount returns how many buckets hold statistics.
func (s *Sampler) BucketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// betaSample draws from Beta(alpha, beta) via two gamma draws.
func (s *Sampler) betaSample(alpha, beta float64) float64 {
	if alpha <= 0 {
		alpha = 1
	}
	if beta <= 0 {
		beta = 1
	}
	x := s.gammaSample(alpha)
	y := s.gammaSample(beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

func (s *Sampler) float64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Sampler) normFloat64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.NormFloat64()
}

// gammaSample draws from Gamma(shape, 1) using Marsaglia and Tsang's method.
func (s *Sampler) gammaSample(shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(shape) = Gamma(shape+1) * U^(1/shape)
		return s.gammaSample(shape+1) * math.Pow(s.float64(), 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = s.normFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := s.float64()
		if u < 1.0-0.0331*(x*x)*(x*x) {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}

// Success evaluates the composite success criterion the router feeds the
// sampler: the provider answered, within the SLA, with a non-trivial text.
func Success(resp route.Response, slaMs int64) bool {
	if !resp.Success {
		return false
	}
	if slaMs > 0 && resp.LatencyMs > slaMs {
		return false
	}
	return len(resp.Text) > 10
}
