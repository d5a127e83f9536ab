package timeseries

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/metrics"
)

// ErrUnknownBackend is returned for a tenant routed to a backend that was
// not opened.
var ErrUnknownBackend = errors.New("backend not configured")

// Service routes every tenant to its Translator.
type Service struct {
	tenants  *config.TenantMap
	fallback string
	log      zerolog.Logger

	mu          sync.RWMutex
	translators map[string]*Translator
}

func NewService(tenants *config.TenantMap, fallback string, log zerolog.Logger) *Service {
	return &Service{
		tenants:     tenants,
		fallback:    fallback,
		log:         log,
		translators: map[string]*Translator{},
	}
}

// OpenService opens a Translator for every backend the tenant map can
// route to.
func OpenService(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	tenants, err := config.LoadTenantMap(cfg.Tenants.File)
	if err != nil {
		return nil, err
	}
	s := NewService(tenants, cfg.Tenants.DefaultDB, log)
	for _, backend := range tenants.Backends(cfg.Tenants.DefaultDB) {
		t, err := Open(backend, cfg, log, m)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open %s: %w", backend, err)
		}
		s.Register(t)
	}
	return s, nil
}

// Register makes t serve every tenant routed to its backend name.
func (s *Service) Register(t *Translator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translators[t.Name()] = t
}

// For returns the Translator serving tenant.
func (s *Service) For(tenant ngsi.Tenant) (*Translator, error) {
	name := s.tenants.BackendFor(tenant.Service, s.fallback)

	s.mu.RLock()
	t, ok := s.translators[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s for tenant %q", ErrUnknownBackend, name, tenant.Service)
	}
	return t, nil
}

// Backends returns the registered backend names, sorted.
func (s *Service) Backends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.translators))
	for n := range s.translators {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Health pings every backend and returns the failures by name.
func (s *Service) Health(ctx context.Context) map[string]error {
	out := map[string]error{}
	for _, name := range s.Backends() {
		s.mu.RLock()
		t := s.translators[name]
		s.mu.RUnlock()
		if err := t.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Str("backend", name).Msg("backend health check failed")
			out[name] = err
		}
	}
	return out
}

// Setup creates the metadata table on every backend.
func (s *Service) Setup(ctx context.Context) error {
	for _, name := range s.Backends() {
		s.mu.RLock()
		t := s.translators[name]
		s.mu.RUnlock()
		if err := t.Setup(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		s.log.Info().Str("backend", name).Msg("metadata table ready")
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, t := range s.translators {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
