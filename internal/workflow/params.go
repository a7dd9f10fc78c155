package workflow

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// RealisationParams are the workload-size features of one realisation, written next to its inputs when the
// realisation is installed.
type RealisationParams struct {
	Nx          int     `yaml:"nx"`
	Ny          int     `yaml:"ny"`
	Nz          int     `yaml:"nz"`
	Nt          int     `yaml:"nt"`
	HfNt        int     `yaml:"hf_nt"`
	Dt          float64 `yaml:"dt"`
	NStations   int     `yaml:"n_stations"`
	NSubFaults  int     `yaml:"n_sub_faults"`
	NComponents int     `yaml:"n_components"`
}

// GridPoints is the number of points in the low-frequency velocity model.
func (p RealisationParams) GridPoints() float64 {
	return float64(p.Nx) * float64(p.Ny) * float64(p.Nz)
}

// LoadRealisationParams reads sim_params.yaml from simDir. found is false if the file doesn't exist.
func LoadRealisationParams(simDir string) (params RealisationParams, found bool, err error) {
	data, err := os.ReadFile(filepath.Join(simDir, ParamsFileName))
	if os.IsNotExist(err) {
		return RealisationParams{}, false, nil
	}
	if err != nil {
		return RealisationParams{}, false, errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return RealisationParams{}, false, errors.Wrapf(err, "parsing %s", filepath.Join(simDir, ParamsFileName))
	}
	return params, true, nil
}
