// Package compliance wires the classification registry, access gate,
// concurrency controller and audit pipeline into the operations the HTTP
// boundary calls. Every request flows through the gate, then the versioned
// write, then the audit pipeline; failures surface as apperror values.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/concurrency"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

const defaultAuditTimeout = 5 * time.Second

// Config lists the collaborators of a Service. Registry, VersionStore and
// AuditStore are required.
type Config struct {
	Registry      *hipaa.Registry
	Policy        *auth.Policy
	VersionStore  concurrency.Store
	AuditStore    hipaa.AuditStore
	Relationships RelationshipResolver
	Forwarder     hipaa.Forwarder
	AuditBuffer   hipaa.PipelineConfig
	WriteTimeout  time.Duration
	AuditTimeout  time.Duration
	Registerer    prometheus.Registerer
	Logger        zerolog.Logger
	Clock         func() time.Time

	// AuditMetrics is shared with a Forwarder built outside New. When nil it
	// is created from Registerer.
	AuditMetrics *hipaa.AuditMetrics
}

type stage struct {
	name    string
	release func(context.Context) error
}

// New starts the core in dependency order: registry, gate, controller, then
// the audit pipeline. If a later stage fails the earlier ones are released
// in reverse order before the error is returned.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("compliance: classification registry is required")
	}
	if cfg.VersionStore == nil {
		return nil, errors.New("compliance: version store is required")
	}
	if cfg.AuditStore == nil {
		return nil, errors.New("compliance: audit store is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = auth.DefaultPolicy()
	}
	if cfg.Relationships == nil {
		cfg.Relationships = NewMemoryRelationships()
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = defaultAuditTimeout
	}

	s := &Service{
		registry:      cfg.Registry,
		relationships: cfg.Relationships,
		logger:        cfg.Logger.With().Str("component", "compliance").Logger(),
		auditTimeout:  cfg.AuditTimeout,
	}
	s.stages = append(s.stages, stage{name: "registry"})

	gateOpts := []auth.GateOption{auth.WithGateMetrics(auth.NewGateMetrics(cfg.Registerer))}
	if cfg.Clock != nil {
		gateOpts = append(gateOpts, auth.WithClock(cfg.Clock))
	}
	s.gate = auth.NewGate(cfg.Policy, gateOpts...)
	s.stages = append(s.stages, stage{name: "gate"})

	s.controller = concurrency.NewController(cfg.VersionStore, cfg.Logger,
		concurrency.WithWriteTimeout(cfg.WriteTimeout),
		concurrency.WithMetrics(concurrency.NewMetrics(cfg.Registerer)),
	)
	s.stages = append(s.stages, stage{name: "controller"})

	if cfg.AuditMetrics == nil {
		cfg.AuditMetrics = hipaa.NewAuditMetrics(cfg.Registerer)
	}
	pipelineOpts := []hipaa.PipelineOption{
		hipaa.WithMetrics(cfg.AuditMetrics),
		hipaa.WithBuffer(cfg.AuditBuffer),
	}
	if cfg.Forwarder != nil {
		pipelineOpts = append(pipelineOpts, hipaa.WithForwarder(cfg.Forwarder))
	}
	s.pipeline = hipaa.NewPipeline(cfg.AuditStore, cfg.Logger, pipelineOpts...)
	s.stages = append(s.stages, stage{name: "audit pipeline", release: s.pipeline.Shutdown})
	if err := s.pipeline.Init(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("compliance: start audit pipeline: %w", err), s.Shutdown(ctx))
	}

	s.logger.Info().
		Int("record_types", len(cfg.Registry.RecordTypes())).
		Int("audit_buffer", cfg.AuditBuffer.BufferSize).
		Msg("compliance core started")
	return s, nil
}

// Shutdown releases the stages in reverse start order. The audit pipeline
// flushes buffered events before its store is closed. Shutdown is safe to
// call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stages := s.stages
	s.stages = nil
	s.mu.Unlock()

	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		st := stages[i]
		if st.release == nil {
			continue
		}
		if err := st.release(ctx); err != nil {
			s.logger.Error().Err(err).Str("stage", st.name).Msg("shutdown stage failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}
	return errors.Join(errs...)
}
