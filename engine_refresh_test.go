package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/solenhall/authcore/token"
)

func TestRefreshRotatesSingleUse(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}
	if next.AccessToken == "" {
		t.Fatal("rotation must issue a new access token")
	}

	// The successor stays in the same session.
	oldClaims, _ := engine.tokens.VerifyRefresh(pair.RefreshToken)
	newClaims, _ := engine.tokens.VerifyRefresh(next.RefreshToken)
	if oldClaims.SessionID != newClaims.SessionID {
		t.Fatal("rotation must preserve the session ID")
	}
	if oldClaims.ID == newClaims.ID {
		t.Fatal("rotation must issue a new JTI")
	}

	if got := engine.MetricsSnapshot().Counters[MetricRefreshSuccess]; got != 1 {
		t.Fatalf("refresh success counter = %d, want 1", got)
	}
}

func TestRefreshReuseKillsSession(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Replaying the rotated-out token is theft evidence.
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("reuse err = %v, want ErrUnauthorized", err)
	}

	counters := engine.MetricsSnapshot().Counters
	if counters[MetricRefreshFailRevokedReuse] != 1 {
		t.Fatalf("revoked reuse counter = %d, want 1", counters[MetricRefreshFailRevokedReuse])
	}
	if counters[MetricReuseIncident] != 1 {
		t.Fatalf("reuse incident counter = %d, want 1", counters[MetricReuseIncident])
	}

	// Containment revoked the whole session: the legitimate successor
	// is dead too.
	if _, err := engine.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("successor after reuse err = %v, want ErrUnauthorized", err)
	}
}

func TestRefreshHashMismatchDoesNotKillSession(t *testing.T) {
	engine, provider, mr := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	claims, err := engine.tokens.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}

	// Corrupt the stored digest so the presented token no longer matches.
	mr.HSet(engine.config.Session.RedisPrefix+":t:0:"+claims.ID, "hash", "bogus")

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("hash mismatch err = %v, want ErrUnauthorized", err)
	}

	counters := engine.MetricsSnapshot().Counters
	if counters[MetricRefreshFailHashMismatch] != 1 {
		t.Fatalf("hash mismatch counter = %d, want 1", counters[MetricRefreshFailHashMismatch])
	}
	// Suspicious but not proof of theft: no containment.
	if counters[MetricReuseIncident] != 0 {
		t.Fatalf("reuse incident counter = %d, want 0", counters[MetricReuseIncident])
	}

	rec, err := engine.sessions.FindRefreshToken(ctx, "0", claims.ID)
	if err != nil {
		t.Fatalf("FindRefreshToken: %v", err)
	}
	if rec.Revoked {
		t.Fatal("hash mismatch must not revoke the record")
	}
}

func TestRefreshRejectsGarbageAndAccessTokens(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := engine.Refresh(ctx, "not-a-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage err = %v, want ErrUnauthorized", err)
	}
	// Access tokens are signed with a different secret; they can never
	// pass refresh verification.
	if _, err := engine.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("access-as-refresh err = %v, want ErrUnauthorized", err)
	}

	if got := engine.MetricsSnapshot().Counters[MetricRefreshFailInvalidJWT]; got != 2 {
		t.Fatalf("invalid jwt counter = %d, want 2", got)
	}
}

func TestRefreshInactiveAndDeletedUser(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	user := seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	provider.setActive("0", user.UserID, false)
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("inactive user err = %v, want ErrUnauthorized", err)
	}
	if got := engine.MetricsSnapshot().Counters[MetricRefreshFailUserInactive]; got != 1 {
		t.Fatalf("user inactive counter = %d, want 1", got)
	}

	// Remove the account entirely.
	provider.mu.Lock()
	delete(provider.byID, providerKey("0", user.UserID))
	provider.mu.Unlock()

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deleted user err = %v, want ErrUnauthorized", err)
	}
	if got := engine.MetricsSnapshot().Counters[MetricRefreshFailUserDeleted]; got != 1 {
		t.Fatalf("user deleted counter = %d, want 1", got)
	}
}

func TestRefreshRateLimited(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Security.EnableRefreshThrottle = true
	cfg.Security.MaxRefreshAttempts = 1
	engine, provider, _ := newTestEngine(t, cfg)
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := engine.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrRefreshRateLimited) {
		t.Fatalf("second refresh err = %v, want ErrRefreshRateLimited", err)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	fail := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrUnauthorized) {
			fail++
			continue
		}
		t.Fatalf("unexpected refresh error: %v", err)
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d refresh failures, got %d", n-1, fail)
	}
}

func TestReuseEscalationRevokesEverySession(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Reuse.EscalationThreshold = 2
	engine, provider, _ := newTestEngine(t, cfg)
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")
	ctx := context.Background()

	// Two independent sessions, each rotated once so an old token exists.
	pairA, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login A: %v", err)
	}
	pairB, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login B: %v", err)
	}
	nextA, err := engine.Refresh(ctx, pairA.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh A: %v", err)
	}
	nextB, err := engine.Refresh(ctx, pairB.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh B: %v", err)
	}

	// A third session stays untouched until escalation fires.
	pairC, err := engine.Login(ctx, "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login C: %v", err)
	}

	// Incident 1: replay session A's old token.
	if _, err := engine.Refresh(ctx, pairA.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("incident 1 err = %v", err)
	}
	// Incident 2: replay session B's old token, crossing the threshold.
	if _, err := engine.Refresh(ctx, pairB.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("incident 2 err = %v", err)
	}

	counters := engine.MetricsSnapshot().Counters
	if counters[MetricReuseEscalation] != 1 {
		t.Fatalf("escalation counter = %d, want 1", counters[MetricReuseEscalation])
	}

	// Escalation revoked everything, including session C and the live
	// successors of A and B.
	for name, tok := range map[string]string{
		"successor A": nextA.RefreshToken,
		"successor B": nextB.RefreshToken,
		"session C":   pairC.RefreshToken,
	} {
		if _, err := engine.Refresh(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s err = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	engine, provider, _ := newTestEngine(t, engineTestConfig())
	seedUser(t, engine, provider, "alice@test", "Sup3rSecret")

	pair, err := engine.Login(context.Background(), "alice@test", "Sup3rSecret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := engine.VerifyAccess(pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh-as-access err = %v, want ErrUnauthorized", err)
	}

	claims, err := engine.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.TokenType != token.TypeAccess {
		t.Fatalf("token type = %q", claims.TokenType)
	}
}
