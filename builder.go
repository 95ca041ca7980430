package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/solenhall/authcore/fingerprint"
	"github.com/solenhall/authcore/internal/rate"
	"github.com/solenhall/authcore/password"
	"github.com/solenhall/authcore/store"
	"github.com/solenhall/authcore/token"
)

// Builder assembles an [Engine]. A builder is single-use: Build returns an
// error if called twice.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	notifier     Notifier
	auditSink    AuditSink

	built bool
}

// New returns a [Builder] preloaded with default configuration. Secrets
// have no defaults and must be supplied through [Builder.WithConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, constructs every subsystem, and
// returns the ready engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		AccessSecret:  cfg.Token.AccessSecret,
		RefreshSecret: cfg.Token.RefreshSecret,
		Issuer:        cfg.Token.Issuer,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint.New(cfg.Fingerprint.Secret)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		tokens:       codec,
		passwords:    hasher,
		fingerprints: fp,
		sessions:     store.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RetentionWindow),
		users:        b.userProvider,
		notifier:     b.notifier,
	}

	engine.limiter = rate.New(b.redis, rate.Config{
		EnableIPThrottle:      cfg.Security.EnableIPThrottle,
		EnableRefreshThrottle: cfg.Security.EnableRefreshThrottle,
		MaxLoginAttempts:      cfg.Security.MaxLoginAttempts,
		LoginWindow:           cfg.Security.LoginWindow,
		MaxRefreshAttempts:    cfg.Security.MaxRefreshAttempts,
		RefreshWindow:         cfg.Security.RefreshWindow,
		MaxResetRequests:      cfg.PasswordReset.MaxRequests,
		ResetRequestWindow:    cfg.PasswordReset.RequestWindow,
	})
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
