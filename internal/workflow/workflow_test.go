package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/simflow/internal/common/flowerrors"
)

func TestProcessTypeOrdinalsRoundTrip(t *testing.T) {
	all := AllProcessTypes()
	require.Len(t, all, 16)
	for i, p := range all {
		assert.Equal(t, i+1, p.Ordinal())
		assert.Equal(t, p, ProcessTypeMap[p.Ordinal()])
		assert.Equal(t, p.Ordinal(), ProcessTypeOrdinalMap[p])
	}
}

func TestParseProcessType(t *testing.T) {
	p, err := ParseProcessType("IM_calculation")
	require.NoError(t, err)
	assert.Equal(t, IMCalculation, p)

	_, err = ParseProcessType("im_calculation")
	var invalid *flowerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestParseProcessTypesSortsAndDeduplicates(t *testing.T) {
	ps, err := ParseProcessTypes([]string{"BB", "EMOD3D", "HF", "BB"})
	require.NoError(t, err)
	assert.Equal(t, []ProcessType{EMOD3D, HF, BB}, ps)
}

func TestDependenciesAreAcyclicAndKnown(t *testing.T) {
	for _, p := range AllProcessTypes() {
		for _, dep := range p.Dependencies() {
			assert.True(t, dep.Valid(), "%s depends on unknown %s", p, dep)
			assert.False(t, dependsOn(dep, p), "cycle between %s and %s", p, dep)
		}
	}
}

func TestUnmetDependencies(t *testing.T) {
	tests := map[string]struct {
		stage    ProcessType
		siblings map[ProcessType]Status
		expected []ProcessType
	}{
		"both predecessors completed": {
			stage:    BB,
			siblings: map[ProcessType]Status{EMOD3D: Completed, HF: Completed, BB: Created},
		},
		"one predecessor running": {
			stage:    BB,
			siblings: map[ProcessType]Status{EMOD3D: Completed, HF: Running, BB: Created},
			expected: []ProcessType{HF},
		},
		"unregistered predecessor doesn't block": {
			stage:    BB,
			siblings: map[ProcessType]Status{HF: Completed, BB: Created},
		},
		"no dependencies": {
			stage:    EMOD3D,
			siblings: map[ProcessType]Status{EMOD3D: Created},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, UnmetDependencies(tc.stage, tc.siblings))
		})
	}
}

func TestWithDependenciesAndDownstream(t *testing.T) {
	assert.Equal(t, []ProcessType{EMOD3D, HF, BB, IMCalculation}, WithDependencies([]ProcessType{IMCalculation}))
	assert.Equal(t,
		[]ProcessType{BB, IMCalculation, IMPlot, Verification, CleanUp, HF2BB, AdvancedIM},
		Downstream(HF))
}

func TestStatus(t *testing.T) {
	s, err := ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, Completed, s)
	assert.Equal(t, CompletedOrdinal, s.Ordinal())

	_, err = ParseStatus("done")
	assert.Error(t, err)

	assert.True(t, Unknown.Active())
	assert.False(t, Created.Active())
	assert.Len(t, AllStatuses(), 6)
}

func TestSimDirLayout(t *testing.T) {
	assert.Equal(t, "Hossack", FaultName("Hossack_REL01"))
	assert.Equal(t, "EventA", FaultName("EventA"))
	assert.Equal(t, filepath.Join("/runs", "Runs", "Hossack", "Hossack_REL01"), SimDir("/runs", "Hossack_REL01"))
	assert.Equal(t, filepath.Join("/runs", "slurm_mgmt.db"), DatabasePath("/runs"))
	assert.Equal(t, filepath.Join("/runs", "mgmt_db_queue"), InboxPath("/runs"))
}

func TestLoadRealisationParams(t *testing.T) {
	dir := t.TempDir()
	_, found, err := LoadRealisationParams(dir)
	require.NoError(t, err)
	assert.False(t, found)

	content := "nx: 100\nny: 200\nnz: 50\nnt: 4000\nn_stations: 300\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ParamsFileName), []byte(content), 0o644))
	params, found, err := LoadRealisationParams(dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 4000, params.Nt)
	assert.Equal(t, 300, params.NStations)
	assert.Equal(t, float64(100*200*50), params.GridPoints())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ParamsFileName), []byte("nx: [1"), 0o644))
	_, _, err = LoadRealisationParams(dir)
	assert.Error(t, err)
}
