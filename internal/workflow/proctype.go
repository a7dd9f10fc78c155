package workflow

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/util"
)

// ProcessType is one stage of the pipeline for a realisation.
type ProcessType string

const (
	EMOD3D        ProcessType = "EMOD3D"
	MergeTS       ProcessType = "merge_ts"
	WinbinAIO     ProcessType = "winbin_aio"
	HF            ProcessType = "HF"
	BB            ProcessType = "BB"
	IMCalculation ProcessType = "IM_calculation"
	IMPlot        ProcessType = "IM_plot"
	Rrup          ProcessType = "rrup"
	Empirical     ProcessType = "Empirical"
	Verification  ProcessType = "Verification"
	CleanUp       ProcessType = "clean_up"
	LF2BB         ProcessType = "LF2BB"
	HF2BB         ProcessType = "HF2BB"
	PlotSRF       ProcessType = "plot_srf"
	PlotTS        ProcessType = "plot_ts"
	AdvancedIM    ProcessType = "advanced_IM"

	EMOD3DOrdinal        = 1
	MergeTSOrdinal       = 2
	WinbinAIOOrdinal     = 3
	HFOrdinal            = 4
	BBOrdinal            = 5
	IMCalculationOrdinal = 6
	IMPlotOrdinal        = 7
	RrupOrdinal          = 8
	EmpiricalOrdinal     = 9
	VerificationOrdinal  = 10
	CleanUpOrdinal       = 11
	LF2BBOrdinal         = 12
	HF2BBOrdinal         = 13
	PlotSRFOrdinal       = 14
	PlotTSOrdinal        = 15
	AdvancedIMOrdinal    = 16
)

type processTypeInfo struct {
	ordinal       int
	hyperThreaded bool
	dependencies  []ProcessType
}

var processTypes = map[ProcessType]processTypeInfo{
	EMOD3D:        {ordinal: EMOD3DOrdinal},
	MergeTS:       {ordinal: MergeTSOrdinal, hyperThreaded: true, dependencies: []ProcessType{EMOD3D}},
	WinbinAIO:     {ordinal: WinbinAIOOrdinal, dependencies: []ProcessType{EMOD3D}},
	HF:            {ordinal: HFOrdinal, hyperThreaded: true},
	BB:            {ordinal: BBOrdinal, hyperThreaded: true, dependencies: []ProcessType{EMOD3D, HF}},
	IMCalculation: {ordinal: IMCalculationOrdinal, hyperThreaded: true, dependencies: []ProcessType{BB}},
	IMPlot:        {ordinal: IMPlotOrdinal, dependencies: []ProcessType{IMCalculation}},
	Rrup:          {ordinal: RrupOrdinal},
	Empirical:     {ordinal: EmpiricalOrdinal, dependencies: []ProcessType{Rrup}},
	Verification:  {ordinal: VerificationOrdinal, dependencies: []ProcessType{IMCalculation, Empirical}},
	CleanUp:       {ordinal: CleanUpOrdinal, dependencies: []ProcessType{IMCalculation}},
	LF2BB:         {ordinal: LF2BBOrdinal, dependencies: []ProcessType{EMOD3D}},
	HF2BB:         {ordinal: HF2BBOrdinal, dependencies: []ProcessType{HF}},
	PlotSRF:       {ordinal: PlotSRFOrdinal},
	PlotTS:        {ordinal: PlotTSOrdinal, dependencies: []ProcessType{MergeTS}},
	AdvancedIM:    {ordinal: AdvancedIMOrdinal, hyperThreaded: true, dependencies: []ProcessType{BB}},
}

var (
	ProcessTypeMap = func() map[int]ProcessType {
		m := make(map[int]ProcessType, len(processTypes))
		for p, info := range processTypes {
			m[info.ordinal] = p
		}
		return m
	}()

	ProcessTypeOrdinalMap = util.InverseMap(ProcessTypeMap)
)

// AllProcessTypes returns every stage ordered by ordinal.
func AllProcessTypes() []ProcessType {
	all := make([]ProcessType, 0, len(ProcessTypeMap))
	for i := 1; i <= len(ProcessTypeMap); i++ {
		all = append(all, ProcessTypeMap[i])
	}
	return all
}

// ParseProcessType converts the canonical stage name into a ProcessType.
func ParseProcessType(s string) (ProcessType, error) {
	p := ProcessType(s)
	if _, ok := processTypes[p]; !ok {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "proc_type",
			Value:   s,
			Message: "not a known process type",
		})
	}
	return p, nil
}

// ParseProcessTypes parses a list of stage names, returning them deduplicated in ordinal order.
func ParseProcessTypes(names []string) ([]ProcessType, error) {
	result := make([]ProcessType, 0, len(names))
	for _, name := range names {
		p, err := ParseProcessType(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(result, p) {
			result = append(result, p)
		}
	}
	SortProcessTypes(result)
	return result, nil
}

func (p ProcessType) String() string {
	return string(p)
}

func (p ProcessType) Valid() bool {
	_, ok := processTypes[p]
	return ok
}

// Ordinal is the stable numeric id stored in proc_type_enum.
func (p ProcessType) Ordinal() int {
	return processTypes[p].ordinal
}

// HyperThreaded stages request two logical cores per physical core.
func (p ProcessType) HyperThreaded() bool {
	return processTypes[p].hyperThreaded
}

// Dependencies returns the stages that must be completed before p is runnable.
func (p ProcessType) Dependencies() []ProcessType {
	return slices.Clone(processTypes[p].dependencies)
}

// SortProcessTypes sorts in place by ordinal.
func SortProcessTypes(ps []ProcessType) {
	slices.SortFunc(ps, func(a, b ProcessType) bool {
		return a.Ordinal() < b.Ordinal()
	})
}
