package neo4jdb

import (
	"context"
	"testing"
	"time"
)

func TestWithEnvDefaults(t *testing.T) {
	t.Setenv("NEO4J_URI", "neo4j://graph:7687")
	t.Setenv("NEO4J_USER", "")
	t.Setenv("NEO4J_TIMEOUT_SECONDS", "3")

	got := Config{}.WithEnvDefaults()
	if got.URI != "neo4j://graph:7687" || got.Username != "neo4j" || got.Timeout != 3*time.Second || got.MaxPoolSize != 50 {
		t.Fatalf("defaults: got %+v", got)
	}
}

func TestNewRequiresURI(t *testing.T) {
	t.Setenv("NEO4J_URI", "")
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Fatalf("want error for empty uri")
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
