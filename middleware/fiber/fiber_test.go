package fiber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/quota"
	"github.com/mihaimyh/zarahub/storage/memory"
)

var testAdmin = quota.Identity{UserID: "admin-1", IsAdmin: true}

// Test helper to create an engine with free users capped at 2 texts a day
func setupTestEngine(t *testing.T) *quota.Engine {
	t.Helper()

	engine, err := quota.NewEngine(memory.New(), quota.Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	err = engine.SetGlobalLimits(context.Background(), testAdmin, &quota.GlobalLimits{
		FreeTextLimit:    quota.Int(2),
		TextLimitEnabled: true,
	})
	if err != nil {
		t.Fatalf("Failed to set limits: %v", err)
	}
	return engine
}

func textUsage(t *testing.T, engine *quota.Engine, userID string) int {
	t.Helper()
	ctx := context.Background()
	u, err := engine.UsageFor(ctx, testAdmin, userID, engine.Today(ctx))
	if err != nil {
		t.Fatalf("Failed to read usage: %v", err)
	}
	return u.TextGenerations
}

// headerIdentity plays the role of an auth middleware
func headerIdentity(c *fiber.Ctx) error {
	if id := c.Get("X-User-ID"); id != "" {
		c.Locals("identity", quota.Identity{UserID: id})
	}
	return c.Next()
}

func newApp(engine *quota.Engine, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(headerIdentity)
	app.Post("/generate/:type", Middleware(Config{
		Engine:            engine,
		GetIdentity:       FromLocals("identity"),
		GetGenerationType: FromParam("type"),
	}), handler)
	return app
}

func do(t *testing.T, app *fiber.App, path, userID string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware_ConsumesUntilLimit(t *testing.T) {
	engine := setupTestEngine(t)
	app := newApp(engine, func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 2; i++ {
		if code := do(t, app, "/generate/text", "user1"); code != fiber.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, code)
		}
	}
	if code := do(t, app, "/generate/text", "user1"); code != fiber.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", code)
	}
	if got := textUsage(t, engine, "user1"); got != 2 {
		t.Errorf("Expected 2 recorded, got %d", got)
	}
}

func TestMiddleware_FailedHandlerDoesNotConsume(t *testing.T) {
	engine := setupTestEngine(t)
	app := newApp(engine, func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadGateway, "provider down")
	})

	if code := do(t, app, "/generate/text", "user1"); code != fiber.StatusBadGateway {
		t.Errorf("Expected 502, got %d", code)
	}
	if got := textUsage(t, engine, "user1"); got != 0 {
		t.Errorf("Expected no usage, got %d", got)
	}
}

func TestMiddleware_UnauthorizedAndBadType(t *testing.T) {
	engine := setupTestEngine(t)
	app := newApp(engine, func(c *fiber.Ctx) error { return c.SendString("ok") })

	if code := do(t, app, "/generate/text", ""); code != fiber.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", code)
	}
	if code := do(t, app, "/generate/video", "user1"); code != fiber.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

func TestMiddleware_FromUserContext(t *testing.T) {
	engine := setupTestEngine(t)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(auth.WithIdentity(c.UserContext(), quota.Identity{UserID: "user3"}))
		return c.Next()
	})
	app.Post("/chat", Middleware(Config{
		Engine:            engine,
		GetGenerationType: FixedType(quota.GenerationText),
	}), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	if code := do(t, app, "/chat", ""); code != fiber.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if got := textUsage(t, engine, "user3"); got != 1 {
		t.Errorf("Expected 1 recorded, got %d", got)
	}
}
