package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/engagement"
	"escrowflow/escrow"
	"escrowflow/settlement"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	ids := mustSeed(t, ctx, pool)
	svc := newService(pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// funders and disputants battling over the same stream of holds
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Funder(ctx2, pool, svc, ids.clientID, ids.practitionerID, stop)
		})
		g.Go(func() error { return actors.Disputant(ctx2, pool, svc, ids.clientID, stop) })
	}

	g.Go(func() error { return actors.EvidenceSubmitter(ctx2, pool, svc, ids.practitionerID, stop) })
	g.Go(func() error { return actors.Arbiter(ctx2, pool, svc, ids.arbiterID, stop) })
	// two sweepers so the claim contends with itself as well as with disputants
	g.Go(func() error { return actors.Sweeper(ctx2, svc, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, svc, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func newService(pool *pgxpool.Pool) *settlement.Service {
	return settlement.NewService(
		pool,
		escrow.NewRepository(pool),
		dispute.NewRepository(pool),
		engagement.NewReader(pool),
		auth.NewPartyAuthorizer(pool),
	)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	clientID       string
	practitionerID string
	arbiterID      string
}

// mustSeed registers the three actor accounts through the auth service and
// proves a full login/verify round-trip before the swarm starts.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	authSvc := auth.NewService(auth.NewRepository(pool), "stress-secret")
	const password = "stress-password"

	register := func(email, name string, role auth.Role) string {
		user, err := authSvc.Register(ctx, auth.RegisterRequest{
			Email: email, Password: password, FullName: name, Role: role,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		res, err := authSvc.Login(ctx, auth.LoginRequest{Email: email, Password: password})
		if err != nil {
			t.Fatalf("login %s: %v", role, err)
		}
		gotID, gotRole, err := authSvc.VerifyToken(res.Token)
		if err != nil {
			t.Fatalf("verify %s token: %v", role, err)
		}
		if gotID != user.ID || gotRole != role {
			t.Fatalf("token identity mismatch: got %s/%s want %s/%s", gotID, gotRole, user.ID, role)
		}
		return user.ID
	}

	return seedIDs{
		clientID:       register(fmt.Sprintf("client%d@example.com", rand.Int63()), "Stress Client", auth.RoleClient),
		practitionerID: register(fmt.Sprintf("pract%d@example.com", rand.Int63()), "Stress Practitioner", auth.RolePractitioner),
		arbiterID:      register(fmt.Sprintf("arb%d@example.com", rand.Int63()), "Stress Arbiter", auth.RoleArbiter),
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_holds", `SELECT id, engagement_id, status, auto_release_at, settled_at FROM escrow_holds ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, hold_id, status, priority, outcome, refund_percent FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"distribution_records", `SELECT hold_id, outcome, gross_cents, refund_cents, practitioner_net_cents FROM distribution_records ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, created_at, published_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
