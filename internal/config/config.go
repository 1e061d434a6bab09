// Package config loads the runtime's read-only startup configuration:
// environment variables and the resource/project topology files. Schema
// validation failures abort initialization, per spec.
package config

import (
	"fmt"
	"os"

	"github.com/alexbarcelo/compss/internal/errkind"
)

// Config holds the environment-derived startup configuration.
type Config struct {
	CompssHome        string
	ProjectFile       string
	ResourcesFile     string
	SchedulerName     string
	ConnectorName     string
	ExternalAdaptation bool
	RequestQueueSize  int
	AccessProcRateRPS float64
}

const defaultScheduler = "LoadBalancing"

// KnownSchedulers mirrors the scheduler selector values of the upward API.
var KnownSchedulers = map[string]bool{
	"LoadBalancing":    true,
	"FIFO":             true,
	"LIFO":             true,
	"FIFOData":         true,
	"FIFODataLocation": true,
	"Base":             true,
}

// Load reads the environment. COMPSS_HOME is required; unrecognized
// variables are ignored as the upward-API contract dictates.
func Load() (*Config, error) {
	home := os.Getenv("COMPSS_HOME")
	if home == "" {
		return nil, errkind.New(errkind.InvalidTopology, "COMPSS_HOME is required")
	}

	sched := os.Getenv("COMPSS_SCHEDULER")
	if sched == "" {
		sched = defaultScheduler
	}
	if !KnownSchedulers[sched] {
		return nil, errkind.Wrap(errkind.UnknownScheduler, fmt.Errorf("unknown scheduler selector %q", sched)).WithField("selector", sched)
	}

	connector := os.Getenv("COMPSS_CONNECTOR")

	cfg := &Config{
		CompssHome:        home,
		ProjectFile:       os.Getenv("COMPSS_PROJECT_FILE"),
		ResourcesFile:     os.Getenv("COMPSS_RESOURCES_FILE"),
		SchedulerName:     sched,
		ConnectorName:     connector,
		ExternalAdaptation: os.Getenv("COMPSS_EXTERNAL_ADAPTATION") == "true",
		RequestQueueSize:  1024,
		AccessProcRateRPS: 2000,
	}
	return cfg, nil
}
