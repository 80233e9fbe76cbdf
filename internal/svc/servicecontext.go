package svc

import (
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/redis"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"quotemirror/internal/cache"
	"quotemirror/internal/config"
	coveragepersist "quotemirror/internal/persistence/coverage"
	advisorpkg "quotemirror/pkg/advisor"
	"quotemirror/pkg/mirror"
	providerpkg "quotemirror/pkg/provider"

	// Import for side-effects: registers the tushare provider type.
	_ "quotemirror/pkg/provider/tushare"
)

type ServiceContext struct {
	Config config.Config

	// Storage. Nil unless Postgres.DSN is configured.
	DBConn sqlx.SqlConn
	Store  *coveragepersist.Service

	ProviderConfig  *providerpkg.Config
	Providers       map[string]providerpkg.Provider
	DefaultProvider providerpkg.Provider

	// Mirror bound to the default provider. Nil unless both a store and
	// a default provider are configured.
	Mirror *mirror.Mirror

	AdvisorConfig *advisorpkg.Config
	Advisor       *advisorpkg.Advisor

	// Optional Redis cache. Nil when no host is configured.
	Redis *redis.Redis
	TTL   cache.TTLSet
}

func NewServiceContext(c config.Config) *ServiceContext {
	svc := &ServiceContext{
		Config: c,
		TTL:    cache.NewTTLSet(c.TTL),
	}

	if c.Postgres.DSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.Postgres.DSN)
		svc.DBConn = conn
		svc.Store = coveragepersist.NewService(conn)
	}

	if providerCfg := c.Provider.Value; providerCfg != nil {
		providers, err := providerCfg.BuildProviders()
		if err != nil {
			log.Fatalf("failed to build providers: %v", err)
		}
		svc.ProviderConfig = providerCfg
		svc.Providers = providers
		if providerCfg.Default != "" {
			svc.DefaultProvider = providers[providerCfg.Default]
		}
	}

	if svc.Store != nil && svc.DefaultProvider != nil {
		m, err := mirror.New(svc.Store, svc.DefaultProvider, mirror.WithReporter(mirror.LogReporter{}))
		if err != nil {
			log.Fatalf("failed to build mirror: %v", err)
		}
		svc.Mirror = m
	}

	if advisorCfg := c.Advisor.Value; advisorCfg != nil {
		adv, err := advisorpkg.New(advisorCfg)
		if err != nil {
			log.Fatalf("failed to build advisor: %v", err)
		}
		svc.AdvisorConfig = advisorCfg
		svc.Advisor = adv
	}

	if c.Redis.Host != "" {
		svc.Redis = redis.MustNewRedis(c.Redis)
	}

	return svc
}

// MirrorFor builds a mirror bound to the named provider. An empty name
// selects the default provider.
func (s *ServiceContext) MirrorFor(name string, opts ...mirror.Option) (*mirror.Mirror, error) {
	if s.Store == nil {
		return nil, fmt.Errorf("svc: postgres dsn is not configured")
	}
	if name == "" {
		if s.Mirror != nil && len(opts) == 0 {
			return s.Mirror, nil
		}
		if s.DefaultProvider == nil {
			return nil, fmt.Errorf("svc: no default provider configured")
		}
		return mirror.New(s.Store, s.DefaultProvider, opts...)
	}
	p, ok := s.Providers[name]
	if !ok {
		return nil, fmt.Errorf("svc: provider %q not configured", name)
	}
	return mirror.New(s.Store, p, opts...)
}
