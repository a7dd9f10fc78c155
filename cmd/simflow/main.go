package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/simflow/cmd/simflow/cmd"
	"github.com/armadaproject/simflow/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	root := cmd.RootCmd()
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
