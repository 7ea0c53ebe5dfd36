// Package testutil provides shared test infrastructure: a Postgres container
// for store integration tests, a scripted inference client, and CSV
// fixtures.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// StartPostgres starts a throwaway Postgres container and returns its DSN.
// The test is skipped in -short mode or when Docker is unavailable.
func StartPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "whitepaper",
			"POSTGRES_PASSWORD": "whitepaper",
			"POSTGRES_DB":       "whitepaper",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("testutil: docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}
	return fmt.Sprintf("postgres://whitepaper:whitepaper@%s:%s/whitepaper?sslmode=disable", host, port.Port())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Call is one recorded inference request.
type Call struct {
	Prompt string
	Tier   model.CostTier
}

// Reply is a scripted inference response.
type Reply struct {
	Text string
	Err  error
}

// ScriptedClient answers inference calls from per-match queues. A call is
// matched against rules in insertion order by substring of the prompt; the
// first rule with replies left wins. Unmatched calls get Fallback.
type ScriptedClient struct {
	Fallback string

	mu    sync.Mutex
	rules []*rule
	calls []Call
}

type rule struct {
	match   string
	replies []Reply
	sticky  bool
}

// On queues replies for prompts containing match. The last reply repeats
// once the queue is drained.
func (c *ScriptedClient) On(match string, replies ...Reply) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, &rule{match: match, replies: replies, sticky: true})
	return c
}

// Infer implements inference.Client.
func (c *ScriptedClient) Infer(ctx context.Context, prompt string, tier model.CostTier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Prompt: prompt, Tier: tier})

	for _, r := range c.rules {
		if !strings.Contains(prompt, r.match) || len(r.replies) == 0 {
			continue
		}
		reply := r.replies[0]
		if len(r.replies) > 1 || !r.sticky {
			r.replies = r.replies[1:]
		}
		return reply.Text, reply.Err
	}
	if c.Fallback != "" {
		return c.Fallback, nil
	}
	return "ok", nil
}

// Calls returns every recorded call in order.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsAt returns the number of calls made at tier.
func (c *ScriptedClient) CallsAt(tier model.CostTier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Tier == tier {
			n++
		}
	}
	return n
}

// WriteCSV writes header and rows as a CSV file under dir and returns its
// path. Cells are written verbatim, so callers quote where needed.
func WriteCSV(t *testing.T, dir, name string, header []string, rows [][]string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(header, ","))
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(strings.Join(r, ","))
		b.WriteByte('\n')
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("testutil: write %s: %v", p, err)
	}
	return p
}

// SalesRows builds n rows of a small regional sales table with columns
// region, year, revenue, units.
func SalesRows(n int) (header []string, rows [][]string) {
	regions := []string{"Hyderabad", "Warangal", "Karimnagar", "Nizamabad"}
	header = []string{"region", "year", "revenue", "units"}
	for i := range n {
		rows = append(rows, []string{
			regions[i%len(regions)],
			fmt.Sprintf("%d", 2019+i%5),
			fmt.Sprintf("%d", 1000+37*i),
			fmt.Sprintf("%d", 10+i%9),
		})
	}
	return header, rows
}
