package catalog

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"catalog-migrator/internal/models"
)

func newTestSyncer(t *testing.T) (*Syncer, *fakeCatalog) {
	t.Helper()
	fake, srv := newFakeCatalog(t)
	client, err := NewClient(Credentials{BaseURL: srv.URL + "/wp-json/wc/v3", Key: "ck", Secret: "cs"}, ClientOptions{RatePerSecond: 1000}, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return NewSyncer(client, nil), fake
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSyncer(t)
	p := &models.NormalizedProduct{Name: "Blue Mug", SKU: "MUG-1", RegularPrice: "12.00", Images: []string{"https://src.test/mug.jpg"}}

	first, err := s.Upsert(ctx, p, Terms{})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Updated {
		t.Fatalf("first upsert should create")
	}
	second, err := s.Upsert(ctx, p, Terms{})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !second.Updated || second.ID != first.ID {
		t.Fatalf("second upsert should update %d, got %+v", first.ID, second)
	}
	if len(fake.products) != 1 {
		t.Fatalf("expected exactly one catalog entry, got %d", len(fake.products))
	}
	if fake.count("POST products") != 1 || fake.count("PUT products/") != 1 {
		t.Fatalf("unexpected calls %v", fake.calls)
	}
}

func TestUpsertExistingSKUUsesPut(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSyncer(t)
	fake.products[42] = map[string]any{"id": 42, "name": "Old name", "sku": "ABC-1", "slug": "old-name"}

	res, err := s.Upsert(ctx, &models.NormalizedProduct{Name: "New name", SKU: "ABC-1"}, Terms{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Updated || res.ID != 42 {
		t.Fatalf("expected update of 42, got %+v", res)
	}
	if fake.count("POST products") != 0 {
		t.Fatalf("existing sku must not POST: %v", fake.calls)
	}
	if fake.products[42]["name"] != "New name" {
		t.Fatalf("update not applied: %v", fake.products[42])
	}
}

func TestUpsertFallsBackToSlug(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSyncer(t)
	fake.products[7] = map[string]any{"id": 7, "name": "Linen Shirt", "slug": "linen-shirt"}

	res, err := s.Upsert(ctx, &models.NormalizedProduct{Name: "Linen Shirt"}, Terms{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Updated || res.ID != 7 {
		t.Fatalf("expected slug match, got %+v", res)
	}
}

func TestUpsertVariationsAndFailureIsolation(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSyncer(t)
	fake.failVariation = "TEE-L"
	p := &models.NormalizedProduct{
		Name:       "Tee",
		SKU:        "TEE",
		Attributes: []models.Attribute{{Name: "Size", Values: []string{"M", "L"}}},
		Variations: []models.Variation{
			{SKU: "TEE-M", RegularPrice: "10.00", Selections: []models.Selection{{Name: "Size", Value: "M"}}},
			{SKU: "TEE-L", RegularPrice: "10.00", Selections: []models.Selection{{Name: "Size", Value: "L"}}},
		},
	}
	res, err := s.Upsert(ctx, p, Terms{})
	if err != nil {
		t.Fatalf("a failed variation must not fail the parent: %v", err)
	}
	if res.Variations != 1 || res.VariationErrors != 1 {
		t.Fatalf("expected 1 written and 1 failed, got %+v", res)
	}
	if fake.products[res.ID]["type"] != "variable" {
		t.Fatalf("variable product should be typed variable: %v", fake.products[res.ID])
	}

	fake.failVariation = ""
	again, err := s.Upsert(ctx, p, Terms{})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.Variations != 2 || len(fake.variations[res.ID]) != 2 {
		t.Fatalf("existing variation should be updated, missing one created: %+v, stored %d", again, len(fake.variations[res.ID]))
	}
}

func TestEnsureTerms(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSyncer(t)
	fake.terms["categories"] = []remoteTerm{{ID: 5, Name: "Home &amp; Garden"}}

	refs, err := s.EnsureTerms(ctx, Categories, []string{"home & garden", "Kitchen", "kitchen", " "})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %+v", refs)
	}
	if refs[0].ID != 5 {
		t.Fatalf("existing term should be matched after unescaping, got %+v", refs[0])
	}
	if fake.count("POST products/categories") != 1 {
		t.Fatalf("only the missing term should be created: %v", fake.calls)
	}

	again, err := s.EnsureTerms(ctx, Categories, []string{"Kitchen"})
	if err != nil || len(again) != 1 || again[0].ID != refs[1].ID {
		t.Fatalf("second ensure should find the created term: %+v %v", again, err)
	}
}

func TestEnsureTermsConflictUsesResourceID(t *testing.T) {
	s, fake := newTestSyncer(t)
	fake.termExistsWithID = true

	refs, err := s.EnsureTerms(context.Background(), Tags, []string{"sale"})
	if err != nil {
		t.Fatalf("conflict should resolve: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != 777 {
		t.Fatalf("expected resource id 777, got %+v", refs)
	}
}

func TestEnsureTermsConflictRequeries(t *testing.T) {
	s, fake := newTestSyncer(t)
	fake.termCreateRace = true

	refs, err := s.EnsureTerms(context.Background(), Categories, []string{"Dresses"})
	if err != nil {
		t.Fatalf("conflict without id should resolve by lookup: %v", err)
	}
	stored := fake.terms["categories"]
	if len(stored) != 1 {
		t.Fatalf("expected exactly one term, got %+v", stored)
	}
	if len(refs) != 1 || refs[0].ID != stored[0].ID {
		t.Fatalf("expected ref to stored term %d, got %+v", stored[0].ID, refs)
	}
	if fake.count("GET products/categories") != 2 {
		t.Fatalf("expected lookup, create, lookup: %v", fake.calls)
	}
}

func TestUpsertWithoutSKUIsIdempotentForNonLatinNames(t *testing.T) {
	tests := []struct {
		name     string
		product  models.NormalizedProduct
		wantSlug string
	}{
		{"cjk name", models.NormalizedProduct{Name: "连衣裙", RegularPrice: "99.00"}, "连衣裙"},
		{"punctuation only name", models.NormalizedProduct{Name: "★ ★", SourceURL: "https://shop.example/product/star-lamp/"}, "star-lamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, fake := newTestSyncer(t)
			p := tt.product

			if _, err := s.Upsert(ctx, &p, Terms{}); err != nil {
				t.Fatalf("first upsert: %v", err)
			}
			second, err := s.Upsert(ctx, &p, Terms{})
			if err != nil {
				t.Fatalf("second upsert: %v", err)
			}
			if !second.Updated || len(fake.products) != 1 {
				t.Fatalf("second upsert should update the single entry, got %+v with %d entries (%v)", second, len(fake.products), fake.calls)
			}
			for _, stored := range fake.products {
				if stored["slug"] != tt.wantSlug {
					t.Fatalf("slug = %v, want %q", stored["slug"], tt.wantSlug)
				}
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Blue Mug":           "blue-mug",
		"  Tom &amp; Jerry ": "tom-jerry",
		"100% Cotton, Tee!":  "100-cotton-tee",
		"Robe d'été":         "robe-d-été",
		"连衣裙 2024 新款":        "连衣裙-2024-新款",
		"¡!":                 "",
		"":                   "",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Slugify(strings.Repeat("长", 100)); len(got) > maxSlugBytes || !utf8.ValidString(got) {
		t.Fatalf("long slug must be cut on a rune boundary, got %d bytes", len(got))
	}
}
