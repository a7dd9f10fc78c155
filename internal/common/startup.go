package common

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	commonconfig "github.com/armadaproject/simflow/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix namespaces environment overrides, e.g. SIMFLOW_STORE_RETRYTHRESHOLD.
const EnvPrefix = "SIMFLOW"

// LoadConfig reads config.yaml from defaultPath, merges each of overrideConfigs over it in order, applies environment
// overrides and decodes the result into config. Values already in config are kept where no source sets them, and a
// missing base file is not an error. The decoded config is then validated.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) error {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrapf(err, "reading base config from %s", defaultPath)
		}
		log.Debugf("No base config in %s; using built-in defaults", defaultPath)
	} else {
		log.Debugf("Read base config from %s", v.ConfigFileUsed())
	}

	for _, overrideConfig := range overrideConfigs {
		if strings.TrimSpace(overrideConfig) == "" {
			continue
		}
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "merging config from %s", overrideConfig)
		}
		log.Debugf("Merged config from %s", overrideConfig)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithStack(err)
	}
	if err := validator.New().Struct(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// ServeMetricsFor exposes gatherer on port and returns a function that shuts the server down.
func ServeMetricsFor(port uint16, gatherer prometheus.Gatherer) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return ServeHttp(port, mux)
}

func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Errorf("Http server on port %d stopped", port)
		}
	}()

	return func() {
		log.Print("Stopping http server listening on ", port)
		if err := srv.Close(); err != nil {
			log.Errorf("Failed to close http server on port %d: %s", port, err)
		}
	}
}
