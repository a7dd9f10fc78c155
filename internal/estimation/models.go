package estimation

import (
	"math"

	"github.com/armadaproject/simflow/internal/workflow"
)

// model predicts core-hours as coefficient * size^exponent, where size is a workload feature of the realisation.
// Wall clock time on n nodes is coreHours / (n * coresPerNode) * n^scalingPenalty: adding nodes always helps, but
// with diminishing returns.
type model struct {
	size           func(p workflow.RealisationParams) float64
	coefficient    float64
	exponent       float64
	scalingPenalty float64
}

func (m model) coreHours(p workflow.RealisationParams) float64 {
	size := m.size(p)
	if size <= 0 {
		return 0
	}
	return m.coefficient * math.Pow(size, m.exponent)
}

// Coefficients fitted offline against accounting data from previous runs.
var models = map[workflow.ProcessType]model{
	workflow.EMOD3D: {
		size:           func(p workflow.RealisationParams) float64 { return p.GridPoints() * float64(p.Nt) },
		coefficient:    2.3e-9,
		exponent:       0.97,
		scalingPenalty: 0.12,
	},
	workflow.MergeTS: {
		size:           func(p workflow.RealisationParams) float64 { return float64(p.Nx) * float64(p.Ny) * float64(p.Nt) },
		coefficient:    1.1e-9,
		exponent:       1.0,
		scalingPenalty: 0.3,
	},
	workflow.HF: {
		size:           func(p workflow.RealisationParams) float64 { return float64(p.NStations) * float64(p.HfNt) * subFaults(p) },
		coefficient:    4.4e-9,
		exponent:       1.02,
		scalingPenalty: 0.05,
	},
	workflow.BB: {
		size:           func(p workflow.RealisationParams) float64 { return float64(p.NStations) * float64(p.HfNt) },
		coefficient:    6.2e-8,
		exponent:       0.98,
		scalingPenalty: 0.08,
	},
	workflow.IMCalculation: {
		size:           func(p workflow.RealisationParams) float64 { return float64(p.NStations) * float64(p.HfNt) * components(p) },
		coefficient:    2.9e-8,
		exponent:       1.0,
		scalingPenalty: 0.1,
	},
}

// HasModel reports whether p has a fitted model. Other process types use the configured defaults.
func HasModel(p workflow.ProcessType) bool {
	_, ok := models[p]
	return ok
}

func subFaults(p workflow.RealisationParams) float64 {
	if p.NSubFaults <= 0 {
		return 1
	}
	return math.Sqrt(float64(p.NSubFaults))
}

func components(p workflow.RealisationParams) float64 {
	if p.NComponents <= 0 {
		return 3
	}
	return float64(p.NComponents)
}
