package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/guardchain/internal/stream"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestResolveIdentity_RoundTrip(t *testing.T) {
	r := NewJWTResolver(testSecret, 0)

	token, err := Sign(testSecret, Identity{UserID: "u1", Role: RoleAnalyst}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := r.ResolveIdentity(context.Background(), token)
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id.UserID != "u1" || id.Role != RoleAnalyst {
		t.Errorf("got %+v", id)
	}
}

func TestResolveIdentity_Failures(t *testing.T) {
	r := NewJWTResolver(testSecret, 0)
	ctx := context.Background()

	expired, _ := Sign(testSecret, Identity{UserID: "u1", Role: RoleViewer}, -time.Minute)
	wrongKey, _ := Sign([]byte("another-secret-another-secret-xx"), Identity{UserID: "u1", Role: RoleViewer}, time.Hour)
	badRole, _ := Sign(testSecret, Identity{UserID: "u1", Role: "superuser"}, time.Hour)
	noUser, _ := Sign(testSecret, Identity{Role: RoleViewer}, time.Hour)

	// Valid signature but wrong algorithm family.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1", Role: RoleAdmin})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"garbage":   "not.a.token",
		"empty":     "",
		"expired":   expired,
		"wrong key": wrongKey,
		"bad role":  badRole,
		"no user":   noUser,
		"alg none":  unsigned,
	} {
		if _, err := r.ResolveIdentity(ctx, token); err != ErrInvalidToken {
			t.Errorf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestResolveIdentity_MaxAge(t *testing.T) {
	r := NewJWTResolver(testSecret, time.Minute)

	token, err := Sign(testSecret, Identity{UserID: "u1", Role: RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := r.ResolveIdentity(context.Background(), token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := r.ResolveIdentity(context.Background(), token); err != ErrInvalidToken {
		t.Errorf("stale token accepted, err = %v", err)
	}
}

func TestCanSubscribe(t *testing.T) {
	tests := []struct {
		role  string
		topic string
		want  bool
	}{
		{RoleViewer, stream.TopicTransactions, true},
		{RoleViewer, stream.TopicAlerts, false},
		{RoleAnalyst, stream.TopicAlerts, true},
		{RoleAdmin, stream.TopicAlerts, true},
	}
	for _, tt := range tests {
		id := Identity{UserID: "u1", Role: tt.role}
		if got := id.CanSubscribe(tt.topic); got != tt.want {
			t.Errorf("%s on %s = %v, want %v", tt.role, tt.topic, got, tt.want)
		}
	}
}

func newAuthRouter(resolver Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(resolver))

	protected := r.Group("/", RequireAuth())
	protected.GET("/me", func(c *gin.Context) {
		id, _ := GetIdentity(c)
		c.JSON(http.StatusOK, id)
	})

	admin := r.Group("/admin", RequireAuth(), RequireRole(RoleAdmin))
	admin.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	resolver := NewJWTResolver(testSecret, 0)
	r := newAuthRouter(resolver)

	analyst, _ := Sign(testSecret, Identity{UserID: "u1", Role: RoleAnalyst}, time.Hour)
	admin, _ := Sign(testSecret, Identity{UserID: "u2", Role: RoleAdmin}, time.Hour)

	if w := doGet(r, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", w.Code)
	}
	if w := doGet(r, "/me", "bogus"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: %d, want 401", w.Code)
	}
	if w := doGet(r, "/me", analyst); w.Code != http.StatusOK {
		t.Errorf("analyst /me: %d, want 200", w.Code)
	}
	if w := doGet(r, "/admin/ping", analyst); w.Code != http.StatusForbidden {
		t.Errorf("analyst /admin: %d, want 403", w.Code)
	}
	if w := doGet(r, "/admin/ping", admin); w.Code != http.StatusOK {
		t.Errorf("admin /admin: %d, want 200", w.Code)
	}
}
