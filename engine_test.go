package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// memoryProvider is an in-memory UserProvider for tests.
type memoryProvider struct {
	mu      sync.Mutex
	byEmail map[string]*UserRecord
	byID    map[string]*UserRecord
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		byEmail: map[string]*UserRecord{},
		byID:    map[string]*UserRecord{},
	}
}

func providerKey(tenantID, id string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	return tenantID + "|" + id
}

func (p *memoryProvider) add(user *UserRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *user
	p.byEmail[providerKey(user.TenantID, user.Email)] = &copied
	p.byID[providerKey(user.TenantID, user.UserID)] = &copied
}

func (p *memoryProvider) GetUserByEmail(_ context.Context, tenantID, email string) (*UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.byEmail[providerKey(tenantID, email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (p *memoryProvider) GetUserByID(_ context.Context, tenantID, userID string) (*UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.byID[providerKey(tenantID, userID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (p *memoryProvider) UpdatePasswordHash(_ context.Context, tenantID, userID, passwordHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.byID[providerKey(tenantID, userID)]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	return nil
}

func (p *memoryProvider) UpdateLastLogin(_ context.Context, tenantID, userID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.byID[providerKey(tenantID, userID)]
	if !ok {
		return ErrUserNotFound
	}
	user.LastLoginAt = &at
	return nil
}

func (p *memoryProvider) setActive(tenantID, userID string, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if user, ok := p.byID[providerKey(tenantID, userID)]; ok {
		user.Active = active
	}
}

func engineTestConfig() Config {
	cfg := defaultConfig()
	cfg.Token.AccessSecret = []byte(strings.Repeat("a", 32))
	cfg.Token.RefreshSecret = []byte(strings.Repeat("r", 32))
	cfg.Fingerprint.Secret = []byte(strings.Repeat("f", 32))
	// Fast argon2 so the suite stays quick.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Password.KeyLength = 16
	// Throttling off unless a test opts back in.
	cfg.Security.EnableRefreshThrottle = false
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memoryProvider, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := newMemoryProvider()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, provider, mr
}

func seedUser(t *testing.T, engine *Engine, provider *memoryProvider, email, pw string) *UserRecord {
	t.Helper()

	hash, err := engine.passwords.Hash(pw)
	if err != nil {
		t.Fatalf("hash seed password: %v", err)
	}
	user := &UserRecord{
		UserID:       uuid.NewString(),
		TenantID:     "0",
		Email:        email,
		PasswordHash: hash,
		Role:         "user",
		Active:       true,
	}
	provider.add(user)
	return user
}

func TestLoginSuccess(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	user := seedUser(t, engine, provider, "alice@test", "Sup3rSecret")

	pair, err := engine.Login(context.Background(), "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	// Access lifetime is reported in milliseconds.
	if pair.ExpiresIn < 14*60*1000 || pair.ExpiresIn > 15*60*1000 {
		t.Fatalf("ExpiresIn = %d ms, want about 900000", pair.ExpiresIn)
	}

	claims, err := engine.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Subject != user.UserID || claims.Email != "alice@test" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if got := engine.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 1 {
		t.Fatalf("login success counter = %d, want 1", got)
	}
}

func TestLoginWrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")

	_, wrongErr := engine.Login(context.Background(), "alice@test", "not-the-password")
	_, unknownErr := engine.Login(context.Background(), "nobody@test", "whatever")

	if !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", wrongErr)
	}
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", unknownErr)
	}
}

func TestLoginRateLimited(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Security.MaxLoginAttempts = 2
	engine, provider, _ := newTestEngine(t, cfg)
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := engine.Login(ctx, "alice@test", "bad"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}

	// Third failure overflows the budget.
	if _, err := engine.Login(ctx, "alice@test", "bad"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("overflow attempt err = %v", err)
	}

	// Budget spent: even the correct password is refused now.
	if _, err := engine.Login(ctx, "alice@test", "Sup3rSecret"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}
	if KindOf(ErrLoginRateLimited) != KindUnavailable {
		t.Fatal("rate limited must map to KindUnavailable")
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	user := seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	provider.setActive("0", user.UserID, false)

	if _, err := engine.Login(context.Background(), "alice@test", "Sup3rSecret"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("disabled account err = %v", err)
	}
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Password.UpgradeOnLogin = true
	cfg.Password.Time = 2
	engine, provider, _ := newTestEngine(t, cfg)

	// Seed with a hash weaker than the configured costs.
	weakEngine, _, _ := newTestEngine(t, engineTestConfig())
	weakHash, err := weakEngine.passwords.Hash("Sup3rSecret")
	if err != nil {
		t.Fatalf("weak hash: %v", err)
	}
	user := &UserRecord{
		UserID:       uuid.NewString(),
		TenantID:     "0",
		Email:        "alice@test",
		PasswordHash: weakHash,
		Role:         "user",
		Active:       true,
	}
	provider.add(user)

	if _, err := engine.Login(context.Background(), "alice@test", "Sup3rSecret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	stored, err := provider.GetUserByID(context.Background(), "0", user.UserID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if stored.PasswordHash == weakHash {
		t.Fatal("expected the stored hash to be upgraded on login")
	}
	if ok, _ := engine.passwords.Verify("Sup3rSecret", stored.PasswordHash); !ok {
		t.Fatal("upgraded hash must still verify the password")
	}
}

func TestUserSecurityReport(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	user := seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice@test", "Sup3rSecret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := engine.Login(ctx, "alice@test", "Sup3rSecret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, _ = engine.Login(ctx, "alice@test", "wrong")

	report, err := engine.UserSecurityReport(ctx, user.UserID)
	if err != nil {
		t.Fatalf("UserSecurityReport: %v", err)
	}
	if report.ActiveTokens != 2 {
		t.Fatalf("active tokens = %d, want 2", report.ActiveTokens)
	}
	if len(report.ActiveSessions) != 2 {
		t.Fatalf("active sessions = %v, want 2 entries", report.ActiveSessions)
	}
	if report.FailedLoginAttempts != 1 {
		t.Fatalf("failed attempts = %d, want 1", report.FailedLoginAttempts)
	}

	if _, err := engine.UserSecurityReport(ctx, "no-such-user"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestAuditEventsFlowToSink(t *testing.T) {
	cfg := engineTestConfig()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sink := NewChannelSink(64)
	provider := newMemoryProvider()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(provider).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	if _, err := engine.Login(ctx, "alice@test", "Sup3rSecret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	engine.Close() // drains the dispatcher

	select {
	case event := <-sink.Events():
		if event.EventType != auditEventLoginSuccess {
			t.Fatalf("event type = %q, want %q", event.EventType, auditEventLoginSuccess)
		}
		if event.IP != "203.0.113.7" {
			t.Fatalf("event IP = %q", event.IP)
		}
		if !event.Success {
			t.Fatal("login event must be marked successful")
		}
	default:
		t.Fatal("expected a login audit event")
	}
}
