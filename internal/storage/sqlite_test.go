package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_sessions_created", "idx_pending_enrichments_created", "idx_geo_cache_expires", "idx_weather_cache_expires"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// --- Sessions ---

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.CreateSession(ctx, Session{ID: "sess-1", SourceIP: "203.0.113.7", CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SourceIP != "203.0.113.7" {
		t.Errorf("SourceIP = %q, want %q", got.SourceIP, "203.0.113.7")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if got.Geo != nil || got.Weather != nil || got.EnrichedAt != nil {
		t.Errorf("new session should not be enriched: %+v", got)
	}

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

func TestCreateSession_MissingFields(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession(context.Background(), Session{ID: "x"}); err == nil {
		t.Fatal("expected error for session without source_ip")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionEnrichment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{ID: "sess-2", SourceIP: "198.51.100.1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	geo := &Geo{Country: "Portugal", CountryCode: "PT", City: "Lisbon", Latitude: 38.72, Longitude: -9.14}
	weather := &Weather{Type: "Clear", Temperature: 21.5, Icon: "01d"}
	if err := s.UpdateSessionEnrichment(ctx, "sess-2", geo, weather); err != nil {
		t.Fatalf("UpdateSessionEnrichment: %v", err)
	}

	got, err := s.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Geo == nil || *got.Geo != *geo {
		t.Errorf("Geo = %+v, want %+v", got.Geo, geo)
	}
	if got.Weather == nil || *got.Weather != *weather {
		t.Errorf("Weather = %+v, want %+v", got.Weather, weather)
	}
	if got.EnrichedAt == nil {
		t.Error("EnrichedAt not set after enrichment")
	}

	// Overwrite with absent values clears both snapshots.
	if err := s.UpdateSessionEnrichment(ctx, "sess-2", nil, nil); err != nil {
		t.Fatalf("UpdateSessionEnrichment(nil, nil): %v", err)
	}
	got, err = s.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Geo != nil || got.Weather != nil {
		t.Errorf("expected nil snapshots after overwrite, got geo=%+v weather=%+v", got.Geo, got.Weather)
	}
}

func TestUpdateSessionEnrichment_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSessionEnrichment(context.Background(), "ghost", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, Session{ID: "sess-d", SourceIP: "192.0.2.1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-d"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess-d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSession err = %v, want ErrNotFound", err)
	}
}

// --- Queue ---

func TestTakeAllPending_Empty(t *testing.T) {
	s := openTestStore(t)

	items, err := s.TakeAllPending(context.Background())
	if err != nil {
		t.Fatalf("TakeAllPending: %v", err)
	}
	if items == nil {
		t.Fatal("TakeAllPending returned nil slice for empty queue")
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestTakeAllPending_DrainsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 3; i++ {
		sess := Session{
			ID:        fmt.Sprintf("sess-%d", i),
			SourceIP:  fmt.Sprintf("10.0.0.%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	first, err := s.TakeAllPending(ctx)
	if err != nil {
		t.Fatalf("first TakeAllPending: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first take returned %d items, want 3", len(first))
	}
	for i, item := range first {
		if want := fmt.Sprintf("sess-%d", i); item.ID != want {
			t.Errorf("item[%d].ID = %q, want %q", i, item.ID, want)
		}
		if !item.Present {
			t.Errorf("item[%d] not marked present", i)
		}
	}

	second, err := s.TakeAllPending(ctx)
	if err != nil {
		t.Fatalf("second TakeAllPending: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second take returned %d items, want 0", len(second))
	}
}

func TestEnqueueEnrichment_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.EnqueueEnrichment(ctx, "sess-q"); err != nil {
			t.Fatalf("EnqueueEnrichment: %v", err)
		}
	}
	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

// --- Cache ---

func TestGeoCache_InsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LookupGeo(ctx, "203.0.113.9"); err != nil || ok {
		t.Fatalf("LookupGeo on empty cache = ok:%v err:%v, want miss", ok, err)
	}

	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	entry := GeoCacheEntry{
		IP:        "203.0.113.9",
		Geo:       Geo{Country: "X", CountryCode: "XX", Region: "R", RegionCode: "RC", City: "C", Longitude: 2, Latitude: 1},
		ExpiresAt: exp,
	}
	if err := s.InsertGeo(ctx, entry); err != nil {
		t.Fatalf("InsertGeo: %v", err)
	}

	got, ok, err := s.LookupGeo(ctx, "203.0.113.9")
	if err != nil || !ok {
		t.Fatalf("LookupGeo = ok:%v err:%v, want hit", ok, err)
	}
	if got.Geo != entry.Geo {
		t.Errorf("Geo = %+v, want %+v", got.Geo, entry.Geo)
	}
	if !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}

	// A second insert for the same ip keeps the original entry.
	dup := entry
	dup.Geo.City = "Other"
	if err := s.InsertGeo(ctx, dup); err != nil {
		t.Fatalf("duplicate InsertGeo: %v", err)
	}
	got, _, _ = s.LookupGeo(ctx, "203.0.113.9")
	if got.Geo.City != "C" {
		t.Errorf("City = %q after duplicate insert, want %q", got.Geo.City, "C")
	}
}

func TestWeatherCache_InsertAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := CoordinateKey(2, 1)
	entry := WeatherCacheEntry{
		CoordKey:  key,
		Weather:   Weather{Type: "Clear", Temperature: 20, Icon: "01d"},
		ExpiresAt: time.Now().UTC().Add(3 * time.Hour),
	}
	if err := s.InsertWeather(ctx, entry); err != nil {
		t.Fatalf("InsertWeather: %v", err)
	}

	got, ok, err := s.LookupWeather(ctx, key)
	if err != nil || !ok {
		t.Fatalf("LookupWeather = ok:%v err:%v, want hit", ok, err)
	}
	if got.Weather != entry.Weather {
		t.Errorf("Weather = %+v, want %+v", got.Weather, entry.Weather)
	}
}

func TestPruneExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustInsertGeo := func(ip string, exp time.Time) {
		t.Helper()
		if err := s.InsertGeo(ctx, GeoCacheEntry{IP: ip, ExpiresAt: exp}); err != nil {
			t.Fatalf("InsertGeo %s: %v", ip, err)
		}
	}
	mustInsertGeo("10.0.0.1", now.Add(-time.Hour))
	mustInsertGeo("10.0.0.2", now.Add(time.Hour))
	if err := s.InsertWeather(ctx, WeatherCacheEntry{CoordKey: "1,1", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertWeather: %v", err)
	}

	geo, weather, err := s.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if geo != 1 || weather != 1 {
		t.Errorf("pruned geo=%d weather=%d, want 1/1", geo, weather)
	}
	if _, ok, _ := s.LookupGeo(ctx, "10.0.0.2"); !ok {
		t.Error("unexpired geo entry was pruned")
	}
}

func TestCoordinateKey(t *testing.T) {
	tests := []struct {
		lon, lat float64
		want     string
	}{
		{2, 1, "2,1"},
		{-9.1393, 38.7223, "-9.1393,38.7223"},
		{0.5, -0.25, "0.5,-0.25"},
	}
	for _, tt := range tests {
		if got := CoordinateKey(tt.lon, tt.lat); got != tt.want {
			t.Errorf("CoordinateKey(%v, %v) = %q, want %q", tt.lon, tt.lat, got, tt.want)
		}
	}
}
