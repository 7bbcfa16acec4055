package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func newRouter(t *testing.T, mw gongin.HandlerFunc) *gongin.Engine {
	t.Helper()
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("UserID", id)
		}
		c.Next()
	})
	r.GET("/listings/:id/contact", mw, func(c *gongin.Context) {
		c.String(http.StatusOK, "contact")
	})
	return r
}

func get(r http.Handler, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestRequireReveal(t *testing.T) {
	manager, err := paywall.NewManager(memory.New(), paywall.Config{})
	require.NoError(t, err)
	r := newRouter(t, RequireReveal(manager, FromContext("UserID"), FromParam("id")))

	rr := get(r, "/listings/42/contact", "user1")
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.JSONEq(t, `{"error":"Payment Required","purpose":"reveal_contact","target":"42"}`, rr.Body.String())

	_, err = manager.Entitlements().GrantReveal(context.Background(), "user1", "42", "tx1")
	require.NoError(t, err)

	rr = get(r, "/listings/42/contact", "user1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "contact", rr.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(r, "/listings/42/contact", "").Code)
}

func TestRequireFeatured(t *testing.T) {
	manager, err := paywall.NewManager(memory.New(), paywall.Config{})
	require.NoError(t, err)
	r := newRouter(t, RequireFeatured(manager, FromParam("id")))

	assert.Equal(t, http.StatusPaymentRequired, get(r, "/listings/42/contact", "").Code)

	_, err = manager.Entitlements().GrantOrExtendFeature(context.Background(), "owner", "42", time.Now().Add(time.Hour), "tx1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, "/listings/42/contact", "").Code)
}

func TestMiddleware_CustomPaymentRequired(t *testing.T) {
	manager, err := paywall.NewManager(memory.New(), paywall.Config{})
	require.NoError(t, err)

	var gotTarget string
	r := newRouter(t, Middleware(Config{
		Manager:   manager,
		Purpose:   paywall.PurposeMessage,
		GetUserID: FromHeader("X-User-ID"),
		GetTarget: FromQuery("message"),
		OnPaymentRequired: func(c *gongin.Context, _ paywall.Purpose, target string) {
			gotTarget = target
			c.JSON(http.StatusForbidden, gongin.H{"error": "locked"})
		},
	}))

	rr := get(r, "/listings/42/contact?message=m9", "user1")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "m9", gotTarget)

	assert.Equal(t, http.StatusBadRequest, get(r, "/listings/42/contact", "user1").Code)
}

func TestMiddleware_PanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })

	manager, err := paywall.NewManager(memory.New(), paywall.Config{})
	require.NoError(t, err)
	assert.Panics(t, func() {
		Middleware(Config{Manager: manager, Purpose: paywall.PurposeRevealContact, GetTarget: FromParam("id")})
	})
	assert.Panics(t, func() {
		Middleware(Config{Manager: manager, Purpose: "bogus", GetTarget: FromParam("id")})
	})
}
