package estimation

import (
	"math"
	"time"

	"github.com/armadaproject/simflow/internal/workflow"
)

type Default struct {
	Cores     int           `validate:"gte=1"`
	WallClock time.Duration `validate:"gt=0"`
}

type Config struct {
	// Physical cores per compute node.
	CoresPerNode int `validate:"gte=1"`
	// Request two logical cores per physical core for hyper-threaded process types.
	HyperThreading bool
	// Core scaling aims for no more than this much wall clock time per node used.
	NodeTimeThreshold time.Duration `validate:"gt=0"`
	// Core scaling does not go past this many nodes unless the job would otherwise exceed MaxJobDuration.
	MaxNodes int `validate:"gte=1"`
	// Absolute node limit when scaling to fit MaxJobDuration.
	HardMaxNodes int `validate:"gtefield=MaxNodes"`
	// Longest job the scheduler accepts.
	MaxJobDuration time.Duration `validate:"gt=0"`
	// Shortest wall clock time ever requested.
	MinWallClock time.Duration `validate:"gt=0"`
	// Fraction added to every wall clock estimate.
	OverestimateFactor float64 `validate:"gte=0"`
	// Used when a process type has no model or the realisation has no workload parameters.
	Defaults map[workflow.ProcessType]Default
	// Used for process types missing from Defaults.
	Fallback Default
}

// Estimate is the resource request for one job.
type Estimate struct {
	CoreHours float64
	WallClock time.Duration
	// Cores to request. Logical cores for hyper-threaded process types.
	Cores int
	Nodes int
	// True when the estimate came from configured defaults rather than a model.
	FromDefaults bool
}

type Estimator struct {
	config Config
}

func NewEstimator(config Config) *Estimator {
	if config.CoresPerNode <= 0 {
		config.CoresPerNode = 1
	}
	if config.MaxNodes <= 0 {
		config.MaxNodes = 1
	}
	if config.HardMaxNodes < config.MaxNodes {
		config.HardMaxNodes = config.MaxNodes
	}
	return &Estimator{config: config}
}

// Estimate sizes a job for process type p using a fixed number of physical cores. params is nil when the realisation
// has no workload parameters.
func (e *Estimator) Estimate(p workflow.ProcessType, params *workflow.RealisationParams, cores int) Estimate {
	m, ok := models[p]
	if !ok || params == nil {
		return e.defaults(p)
	}
	if cores <= 0 {
		cores = e.config.CoresPerNode
	}
	coreHours := m.coreHours(*params)
	nodes := float64(cores) / float64(e.config.CoresPerNode)
	return Estimate{
		CoreHours: coreHours,
		WallClock: e.pad(wallClockHours(m, coreHours, nodes, e.config.CoresPerNode)),
		Cores:     e.logicalCores(p, cores),
		Nodes:     int(math.Ceil(nodes)),
	}
}

// EstimateScaled picks the node count as well. It uses the fewest nodes for which the estimated wall clock time is
// within NodeTimeThreshold per node, up to MaxNodes. If MaxNodes would still need longer than MaxJobDuration, it uses
// the fewest nodes, up to HardMaxNodes, that fit within MaxJobDuration.
func (e *Estimator) EstimateScaled(p workflow.ProcessType, params *workflow.RealisationParams) Estimate {
	m, ok := models[p]
	if !ok || params == nil {
		return e.defaults(p)
	}
	coreHours := m.coreHours(*params)
	wct := func(n int) float64 {
		return (1 + e.config.OverestimateFactor) * wallClockHours(m, coreHours, float64(n), e.config.CoresPerNode)
	}

	nodes := 0
	threshold := e.config.NodeTimeThreshold.Hours()
	for n := 1; n <= e.config.MaxNodes; n++ {
		if wct(n) <= float64(n)*threshold {
			nodes = n
			break
		}
	}
	if nodes == 0 {
		nodes = e.config.MaxNodes
		limit := e.config.MaxJobDuration.Hours()
		if wct(nodes) > limit {
			nodes = e.config.HardMaxNodes
			for n := e.config.MaxNodes + 1; n <= e.config.HardMaxNodes; n++ {
				if wct(n) <= limit {
					nodes = n
					break
				}
			}
		}
	}

	cores := nodes * e.config.CoresPerNode
	return Estimate{
		CoreHours: coreHours,
		WallClock: e.pad(wallClockHours(m, coreHours, float64(nodes), e.config.CoresPerNode)),
		Cores:     e.logicalCores(p, cores),
		Nodes:     nodes,
	}
}

func wallClockHours(m model, coreHours float64, nodes float64, coresPerNode int) float64 {
	if coreHours <= 0 || nodes <= 0 {
		return 0
	}
	return coreHours / (nodes * float64(coresPerNode)) * math.Pow(nodes, m.scalingPenalty)
}

// pad adds the overestimate and clamps the result to [MinWallClock, MaxJobDuration]. A zero or negative estimate
// becomes MinWallClock, since schedulers reject zero-length jobs.
func (e *Estimator) pad(hours float64) time.Duration {
	padded := hours * (1 + e.config.OverestimateFactor)
	if math.IsNaN(padded) || math.IsInf(padded, 0) {
		padded = 0
	}
	wct := time.Duration(padded * float64(time.Hour)).Round(time.Second)
	if wct < e.config.MinWallClock {
		wct = e.config.MinWallClock
	}
	if e.config.MaxJobDuration > 0 && wct > e.config.MaxJobDuration {
		wct = e.config.MaxJobDuration
	}
	return wct
}

func (e *Estimator) logicalCores(p workflow.ProcessType, physical int) int {
	if e.config.HyperThreading && p.HyperThreaded() {
		return physical * 2
	}
	return physical
}

func (e *Estimator) defaults(p workflow.ProcessType) Estimate {
	d, ok := e.config.Defaults[p]
	if !ok {
		d = e.config.Fallback
	}
	if d.Cores <= 0 {
		d.Cores = 1
	}
	wct := d.WallClock
	if wct < e.config.MinWallClock {
		wct = e.config.MinWallClock
	}
	return Estimate{
		CoreHours:    float64(d.Cores) * wct.Hours(),
		WallClock:    wct,
		Cores:        d.Cores,
		Nodes:        int(math.Ceil(float64(d.Cores) / float64(e.config.CoresPerNode))),
		FromDefaults: true,
	}
}
