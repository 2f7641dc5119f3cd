// seed inserts development sample data for local testing: one standard-tier
// key, one protection policy for "demo-item", and a demo access token.
// Idempotent: exits early if a policy for demo-item already exists.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"rights-control-engine/internal/config"
	"rights-control-engine/internal/db"
	keysdomain "rights-control-engine/internal/keys/domain"
	keysrepo "rights-control-engine/internal/keys/repository"
	keysservice "rights-control-engine/internal/keys/service"
	policydomain "rights-control-engine/internal/policy/domain"
	policyrepo "rights-control-engine/internal/policy/repository"
	policyservice "rights-control-engine/internal/policy/service"
	"rights-control-engine/internal/security"
	"rights-control-engine/internal/token"
	"rights-control-engine/internal/token/blacklist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("seed: DATABASE_URL is required")
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	wrapper, err := security.NewWrapper(cfg.MasterKey)
	if err != nil {
		log.Fatalf("master key: %v", err)
	}

	ctx := context.Background()
	policyRepo := policyrepo.NewPostgresRepository(pool)

	existing, err := policyRepo.GetByItem(ctx, "demo-item")
	if err != nil {
		log.Fatalf("seed: lookup demo policy: %v", err)
	}
	if existing != nil {
		log.Printf("seed: demo policy %s already present, nothing to do", existing.ID)
		return
	}

	revocation := blacklist.NewMemoryStore()
	keys := keysservice.NewManager(keysrepo.NewPostgresRepository(pool, wrapper), nil, nil)
	policies := policyservice.NewStore(policyRepo, keys, revocation, nil, nil, nil, 0)

	pol, err := policies.Create(ctx, policyservice.CreateConfig{
		ItemID:         "demo-item",
		Tier:           keysdomain.TierStandard,
		DeviceLimit:    3,
		SessionLimit:   2,
		GeoDeny:        []string{"KP"},
		AllowedActions: []policydomain.Action{policydomain.ActionRead, policydomain.ActionDownload},
		Restrictions:   []string{"no-copy"},
		Watermark:      policydomain.Watermark{Enabled: true, Template: "licensed to {principal}"},
		License:        policydomain.License{Type: "subscription"},
	})
	if err != nil {
		log.Fatalf("seed: create policy: %v", err)
	}
	log.Printf("seed: created policy %s (key version %s)", pol.ID, pol.KeyVersionID)

	// A throwaway signing key is enough to show the issuance flow. The
	// server signs real tokens with its own configured key.
	signing, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("seed: generate signing key: %v", err)
	}
	issuer := token.NewIssuer(signing, signing.Public(), cfg.TokenIssuer, cfg.TokenAudience,
		policies, cfg.MaxTTL, revocation)
	issued, err := issuer.Issue(ctx, token.IssueRequest{
		PolicyID:    pol.ID,
		PrincipalID: "demo-user",
		Scope:       []policydomain.Action{policydomain.ActionRead},
		TTL:         time.Hour,
	})
	if err != nil {
		log.Fatalf("seed: issue token: %v", err)
	}
	fmt.Printf("demo policy: %s\ndemo token (expires %s):\n%s\n", pol.ID,
		issued.ExpiresAt.Format(time.RFC3339), issued.Token)
}
