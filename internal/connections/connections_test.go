package connections

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
	"storepulse/internal/db/dbtest"
	"storepulse/internal/security"
)

func newStore(t *testing.T) (*Store, *dbtest.Fake) {
	t.Helper()
	sealer, err := security.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	f := dbtest.New()
	s := NewStore(f, "connections", sealer)
	s.now = func() time.Time { return time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC) }
	return s, f
}

func TestSaveSealsAndLoadDecrypts(t *testing.T) {
	ctx := context.Background()
	s, f := newStore(t)

	c, err := s.Save(ctx, Connection{BrandID: "b1", Platform: Shopify, ExternalID: "acme.myshopify.com", Scope: "read_orders"}, "shpat_secret")
	require.NoError(t, err)
	assert.Equal(t, "BRAND#b1", c.PK)
	assert.Equal(t, "SHOPIFY#acme.myshopify.com", c.SK)

	stored := f.Items("connections")
	require.Len(t, stored, 1)
	assert.NotContains(t, db.S(stored[0]["AccessTokenEnc"]), "shpat_secret")

	got, tok, err := s.Load(ctx, "b1", Shopify, "acme.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "shpat_secret", tok)
	assert.Equal(t, "read_orders", got.Scope)

	_, _, err = s.Load(ctx, "b1", Meta, "act_1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestReconnectKeepsCursor(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, err := s.Save(ctx, Connection{BrandID: "b1", Platform: Meta, ExternalID: "act_1"}, "tok1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateLastSync(ctx, "b1", Meta, "act_1", "2025-04-01T00:00:00Z"))

	s.now = func() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) }
	c, err := s.Save(ctx, Connection{BrandID: "b1", Platform: Meta, ExternalID: "act_1"}, "tok2")
	require.NoError(t, err)
	assert.Equal(t, "2025-04-02T08:00:00Z", c.CreatedAt)
	assert.Equal(t, "2025-04-01T00:00:00Z", c.LastSyncAt)

	_, tok, err := s.Load(ctx, "b1", Meta, "act_1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", tok)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	for _, c := range []Connection{
		{BrandID: "b1", Platform: Shopify, ExternalID: "a.myshopify.com"},
		{BrandID: "b1", Platform: Meta, ExternalID: "act_1"},
		{BrandID: "b2", Platform: Meta, ExternalID: "act_2"},
	} {
		_, err := s.Save(ctx, c, "tok")
		require.NoError(t, err)
	}

	all, err := s.List(ctx, "b1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	metaOnly, err := s.List(ctx, "b1", Meta)
	require.NoError(t, err)
	require.Len(t, metaOnly, 1)
	assert.Equal(t, "act_1", metaOnly[0].ExternalID)

	everyMeta, err := s.ListPlatform(ctx, Meta)
	require.NoError(t, err)
	assert.Len(t, everyMeta, 2)

	require.NoError(t, s.Delete(ctx, "b1", Meta, "act_1"))
	everyMeta, err = s.ListPlatform(ctx, Meta)
	require.NoError(t, err)
	assert.Len(t, everyMeta, 1)
}

func TestUpdateLastEvent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	err := s.UpdateLastEvent(ctx, "b1", Shopify, "missing.myshopify.com", "orders/create", "w1")
	assert.True(t, apperr.IsNotFound(err))

	_, err = s.Save(ctx, Connection{BrandID: "b1", Platform: Shopify, ExternalID: "a.myshopify.com"}, "tok")
	require.NoError(t, err)
	require.NoError(t, s.UpdateLastEvent(ctx, "b1", Shopify, "a.myshopify.com", "orders/create", "w1"))

	c, _, err := s.Load(ctx, "b1", Shopify, "a.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "orders/create", c.LastEventTopic)
	assert.Equal(t, "w1", c.LastEventWebhookID)
	assert.Equal(t, "2025-04-02T08:00:00Z", c.LastEventAt)
}

func TestSaveValidation(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Save(context.Background(), Connection{BrandID: "b1", Platform: "tiktok", ExternalID: "x"}, "tok")
	assert.Equal(t, 400, apperr.Status(err))
	_, err = s.Save(context.Background(), Connection{BrandID: "b1", Platform: Meta, ExternalID: "act_1"}, " ")
	assert.Error(t, err)
}

func TestStateIsOneTime(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	st := NewStateStore(f, "state")
	now := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	v, err := st.Put(ctx, State{UserSub: "u1", BrandID: "b1", Platform: Shopify, Shop: "a.myshopify.com"})
	require.NoError(t, err)
	require.NotEmpty(t, v)

	got, err := st.Take(ctx, v, Shopify)
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BrandID)
	assert.Equal(t, "a.myshopify.com", got.Shop)

	_, err = st.Take(ctx, v, Shopify)
	assert.Equal(t, 400, apperr.Status(err))
}

func TestStateExpiryAndPlatform(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	st := NewStateStore(f, "state")
	now := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }

	expired, err := st.Put(ctx, State{UserSub: "u1", BrandID: "b1", Platform: Meta})
	require.NoError(t, err)
	wrong, err := st.Put(ctx, State{UserSub: "u1", BrandID: "b1", Platform: Meta})
	require.NoError(t, err)

	now = now.Add(StateTTL + time.Second)
	_, err = st.Take(ctx, expired, Meta)
	assert.Equal(t, 400, apperr.Status(err))

	_, err = st.Take(ctx, wrong, Shopify)
	assert.Equal(t, 400, apperr.Status(err))
}
