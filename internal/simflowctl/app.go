package simflowctl

import (
	"io"
	"os"

	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/hpcscheduler"
	"github.com/armadaproject/simflow/internal/simflow"
	"github.com/armadaproject/simflow/internal/taskdb"
)

// App is the operator and job-script facing command line. Each method backs one sub-command.
type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is where output from the app is written.
	Out io.Writer
	Clock  clock.Clock
	Runner hpcscheduler.CommandRunner
}

// Params holds the settings loaded from config files and flags. The run folder given on the command line replaces
// Config.RunFolder.
type Params struct {
	Config simflow.Configuration
}

func New() *App {
	return &App{
		Params: &Params{Config: simflow.DefaultConfiguration()},
		Out:    os.Stdout,
		Clock:  clock.RealClock{},
		Runner: hpcscheduler.NewExecRunner(),
	}
}

func (a *App) config(runFolder string) (simflow.Configuration, error) {
	config := a.Params.Config
	config.RunFolder = runFolder
	// The CLI always works on the database on disk.
	config.Store.InMemory = false
	err := config.ExpandPaths()
	return config, err
}

// withStore opens the run folder's database for the duration of fn.
func (a *App) withStore(runFolder string, fn func(ctx *flowcontext.Context, store *taskdb.Store) error) error {
	config, err := a.config(runFolder)
	if err != nil {
		return err
	}
	ctx := flowcontext.Background()
	store, closeStore, err := simflow.OpenStore(ctx, config, a.Clock)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}
