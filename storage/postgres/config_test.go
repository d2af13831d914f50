package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestNew_RequiresConnectionString(t *testing.T) {
	if _, err := New(context.Background(), DefaultConfig()); err == nil {
		t.Fatal("Expected error for empty connection string")
	}
}

func TestNew_InvalidConnectionString(t *testing.T) {
	config := DefaultConfig()
	config.ConnectionString = "postgres://%zz"
	if _, err := New(context.Background(), config); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestSchema_DefinesTables(t *testing.T) {
	schema := Schema()
	for _, table := range []string{"user_subscriptions", "global_limits", "user_usage"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("Expected schema to create %s", table)
		}
	}
	if !strings.Contains(schema, "PRIMARY KEY (user_id, usage_date)") {
		t.Error("Expected one usage row per user and day")
	}
}
