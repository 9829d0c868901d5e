// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"net/http"

	"github.com/dukex/strata/pkg/actions/control"
	"github.com/dukex/strata/pkg/actions/httprequest"
	logaction "github.com/dukex/strata/pkg/actions/log"
	"github.com/dukex/strata/pkg/actions/transform"
	"github.com/dukex/strata/pkg/eventbus"
	"github.com/dukex/strata/pkg/registry"
	"github.com/dukex/strata/pkg/steps/condition"
	"github.com/dukex/strata/pkg/steps/eventtrigger"
	"github.com/dukex/strata/pkg/steps/modulecall"
	"github.com/dukex/strata/pkg/steps/parallel"
	"github.com/dukex/strata/pkg/steps/task"
)

// RegistryConfig tunes the native step executors.
type RegistryConfig struct {
	HTTPClient             *http.Client
	ParallelMaxConcurrency int
}

func registerNativeActions(reg *registry.Registry, cfg RegistryConfig) {
	reg.RegisterAction(httprequest.NewActionFactory(cfg.HTTPClient))
	reg.RegisterAction(transform.NewActionFactory())
	reg.RegisterAction(logaction.NewActionFactory())

	for _, factory := range control.Factories() {
		reg.RegisterAction(factory)
	}
}

func registerNativeSteps(reg *registry.Registry, log *slog.Logger, publisher eventbus.EventPublisher, cfg RegistryConfig) {
	var parallelConfig map[string]any
	if cfg.ParallelMaxConcurrency > 0 {
		parallelConfig = map[string]any{"max_concurrency": cfg.ParallelMaxConcurrency}
	}

	reg.RegisterStep(task.NewExecutorFactory(reg, log), nil)
	reg.RegisterStep(condition.NewExecutorFactory(), nil)
	reg.RegisterStep(parallel.NewExecutorFactory(), parallelConfig)
	reg.RegisterStep(eventtrigger.NewExecutorFactory(publisher), nil)
	reg.RegisterStep(modulecall.NewExecutorFactory(), nil)
}

// NewRegistry returns a registry holding every native step type and action.
// publisher may be nil, in which case event-trigger steps record without publishing.
func NewRegistry(log *slog.Logger, publisher eventbus.EventPublisher, cfg RegistryConfig) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerNativeActions(reg, cfg)
	registerNativeSteps(reg, log, publisher, cfg)

	return reg
}
