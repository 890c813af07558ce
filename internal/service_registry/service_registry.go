package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/garden-sync/internal/api"
	"github.com/benmeehan/garden-sync/internal/metrics_collectors"
	"github.com/benmeehan/garden-sync/internal/registry"
	"github.com/benmeehan/garden-sync/internal/services"
	"github.com/benmeehan/garden-sync/internal/utils"
	"github.com/benmeehan/garden-sync/pkg/mqtt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Core is what the long-running services drive.
type Core interface {
	services.MessageHandler
	services.Ticker
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	mqttClient  mqtt.MQTTClient
	clock       clockwork.Clock
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, clock clockwork.Clock, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		clock:      clock,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Service returns a registered service by name.
func (sr *ServiceRegistry) Service(name string) (registry.Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
// The HTTP server is passed in built because its routes need the engine and hub.
// Ingest is registered last so device traffic only arrives once everything else runs.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, core Core, stats *metrics_collectors.MetricsRegistry, server *api.Server) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "scheduler",
			enabled: config.Services.Scheduler.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewSchedulerService(
					config.Services.Scheduler.Interval,
					core,
					sr.clock,
					sr.Logger.With().Str("service", "scheduler").Logger(),
				), nil
			},
		},
		{
			name:    "stats",
			enabled: config.Services.Stats.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewStatsService(
					config.Services.Stats.Interval,
					config.Services.Stats.Timeout,
					metrics_collectors.Config(config.Metrics),
					stats,
					sr.Logger.With().Str("service", "stats").Logger(),
				), nil
			},
		},
		{
			name:    "http",
			enabled: config.Services.HTTP.Enabled,
			constructor: func() (registry.Service, error) {
				if server == nil {
					return nil, errors.New("http service enabled without a server")
				}
				return server, nil
			},
		},
		{
			name:    "ingest",
			enabled: config.Services.Ingest.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewIngestService(
					config.MQTT.TopicPrefix,
					config.MQTT.QOS,
					sr.mqttClient,
					core,
					sr.clock,
					sr.Logger.With().Str("service", "ingest").Logger(),
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
