package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestMatchExpression(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"a an to", ""},
		{"Spring SALE spring", `"spring" OR "sale"`},
		{`launch" OR NEAR(x*`, `"launch" OR "near"`},
		{"café menu", `"café" OR "menu"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchExpression(tt.in), tt.in)
	}
}

func TestStore_AddStripsHTML(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := &Document{
		TenantID: "t1",
		Source:   "about.html",
		Title:    "<h1>About</h1>",
		Content:  "<p>We roast <b>single origin</b> coffee &amp; tea.</p><script>alert(1)</script>",
	}
	require.NoError(t, s.Add(ctx, doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "About", doc.Title)
	assert.Equal(t, "We roast single origin coffee & tea.", doc.Content)

	err := s.Add(ctx, &Document{TenantID: "t1", Source: "empty", Content: "<p> </p>"})
	assert.Error(t, err)
}

func TestStore_Retrieve(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docs := []*Document{
		{TenantID: "t1", Source: "menu", Content: "Our espresso blend uses beans from Ethiopia and Colombia."},
		{TenantID: "t1", Source: "hours", Content: "The cafe opens at seven every morning."},
		{TenantID: "t1", AssistantID: "a1", Source: "a1-notes", Content: "Espresso tasting event on Friday with espresso flights."},
		{TenantID: "t1", AssistantID: "a2", Source: "a2-notes", Content: "Espresso secret for another assistant."},
		{TenantID: "t2", Source: "other-tenant", Content: "Espresso machines for sale."},
	}
	for _, d := range docs {
		require.NoError(t, s.Add(ctx, d))
	}

	snippets, err := s.Retrieve(ctx, "t1", "a1", "espresso flights", 10)
	require.NoError(t, err)

	var sources []string
	for _, sn := range snippets {
		sources = append(sources, sn.Source)
	}
	assert.ElementsMatch(t, []string{"menu", "a1-notes"}, sources)
	assert.Equal(t, "a1-notes", snippets[0].Source, "document matching both terms ranks first")

	snippets, err = s.Retrieve(ctx, "t1", "a1", "espresso", 1)
	require.NoError(t, err)
	assert.Len(t, snippets, 1)

	snippets, err = s.Retrieve(ctx, "t1", "a1", "??", 10)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestStore_DeleteAndCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := &Document{TenantID: "t1", Source: "faq", Content: "Free shipping over fifty dollars."}
	require.NoError(t, s.Add(ctx, doc))

	n, err := s.Count(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.Delete(ctx, "t2", doc.ID), ErrNotFound)
	require.NoError(t, s.Delete(ctx, "t1", doc.ID))

	snippets, err := s.Retrieve(ctx, "t1", "a1", "shipping", 10)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestStore_DeleteSource(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, &Document{TenantID: "t1", Source: "faq.md", Content: "Shipping is free."}))
	require.NoError(t, s.Add(ctx, &Document{TenantID: "t1", AssistantID: "a1", Source: "faq.md", Content: "Assistant shipping notes."}))
	require.NoError(t, s.Add(ctx, &Document{TenantID: "t2", Source: "faq.md", Content: "Other tenant."}))

	n, err := s.DeleteSource(ctx, "t1", "", "faq.md")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the tenant-wide document is removed")

	count, err := s.Count(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.Count(ctx, "t2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
