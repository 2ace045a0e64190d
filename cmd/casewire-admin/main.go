// ABOUTME: Operator CLI for inspecting a casewire deployment.
// ABOUTME: Reads the shared SQLite database directly; tasks come from the agent.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	_ "modernc.org/sqlite"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/task"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: casewire-admin <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  status         Summarize the deployment")
		fmt.Println("  queue          List outbound queue messages")
		fmt.Println("  conversations  List live conversations")
		fmt.Println("  tasks          List the coordinator's tasks")
		fmt.Println("  outcomes       List recorded case outcomes")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CASEWIRE_DB           database path (default casewire.db)")
		fmt.Println("  CASEWIRE_AGENT_URL    coordinator base URL (default http://localhost:9001)")
		fmt.Println("  CASEWIRE_AUTH_SECRET  shared secret, required for tasks")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(ctx)
	case "queue":
		err = runQueue(ctx)
	case "conversations":
		err = runConversations(ctx)
	case "tasks":
		err = runTasks(ctx)
	case "outcomes":
		err = runOutcomes(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dbPath() string {
	if p := os.Getenv("CASEWIRE_DB"); p != "" {
		return p
	}
	return "casewire.db"
}

func openDB() (*sql.DB, error) {
	path := dbPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %s (set CASEWIRE_DB)", path)
	}
	return sql.Open("sqlite", path)
}

func runStatus(ctx context.Context) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	cyan := color.New(color.FgCyan)
	cyan.Println("casewire status")
	cyan.Println("---------------")
	fmt.Printf("database: %s\n\n", dbPath())

	counts := []struct {
		label string
		query string
	}{
		{"live conversations", `SELECT COUNT(*) FROM conversations`},
		{"archived conversations", `SELECT COUNT(*) FROM conversation_archive`},
		{"queue pending", `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`},
		{"queue in flight", `SELECT COUNT(*) FROM outbox WHERE status = 'in_flight'`},
		{"queue failed", `SELECT COUNT(*) FROM outbox WHERE status = 'failed'`},
		{"recorded outcomes", `SELECT COUNT(*) FROM case_outcomes`},
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range counts {
		var n int
		if err := db.QueryRowContext(ctx, c.query).Scan(&n); err != nil {
			// Tables appear lazily; a missing one just means zero
			n = 0
		}
		fmt.Fprintf(w, "%s\t%d\n", c.label, n)
	}
	return w.Flush()
}

func runQueue(ctx context.Context) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, status, attempts, enqueued_at
		FROM outbox ORDER BY seq ASC LIMIT 100`)
	if err != nil {
		return fmt.Errorf("reading queue: %w", err)
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tSTATUS\tATTEMPTS\tENQUEUED")
	for rows.Next() {
		var id, convID, status, enqueued string
		var attempts int
		if err := rows.Scan(&id, &convID, &status, &attempts, &enqueued); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			short(id), short(convID), colorStatus(status), attempts, shortTime(enqueued))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func runConversations(ctx context.Context) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, customer_id, issue_type, phase, status, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT 100`)
	if err != nil {
		return fmt.Errorf("reading conversations: %w", err)
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tISSUE\tPHASE\tSTATUS\tUPDATED")
	for rows.Next() {
		var id, customer, issue, phase, status, updated string
		if err := rows.Scan(&id, &customer, &issue, &phase, &status, &updated); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			short(id), customer, issue, phase, colorStatus(status), shortTime(updated))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// runTasks asks the coordinator for its in-memory task snapshots over
// the inter-agent protocol.
func runTasks(ctx context.Context) error {
	secret := os.Getenv("CASEWIRE_AUTH_SECRET")
	if secret == "" {
		return fmt.Errorf("CASEWIRE_AUTH_SECRET is required for tasks")
	}

	base := os.Getenv("CASEWIRE_AGENT_URL")
	if base == "" {
		base = "http://localhost:9001"
	}

	token, err := auth.New([]byte(secret), 5*time.Minute).Mint("casewire-admin", "admin")
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	body := strings.NewReader(`{"operation":"list-tasks"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(base, "/")+"/rpc/call", body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var wrapper struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	var tasks []task.Task
	if err := json.Unmarshal(wrapper.Payload, &tasks); err != nil {
		return fmt.Errorf("decoding tasks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tCONVERSATION\tPRIORITY\tSTATE\tLAST ACTIVITY")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			short(t.ID), t.CustomerID, short(t.ConversationID), t.Priority,
			colorStatus(string(t.State)), t.LastActivity.Format("15:04:05"))
	}
	return w.Flush()
}

func runOutcomes(ctx context.Context) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT case_id, class, duration_ms, messages, retries, escalations, finished_at
		FROM case_outcomes ORDER BY finished_at DESC LIMIT 100`)
	if err != nil {
		return fmt.Errorf("reading outcomes: %w", err)
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tCLASS\tDURATION\tMESSAGES\tRETRIES\tESCALATIONS\tFINISHED")
	for rows.Next() {
		var caseID, class, finished string
		var durationMS int64
		var messages, retries, escalations int
		if err := rows.Scan(&caseID, &class, &durationMS, &messages, &retries, &escalations, &finished); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			short(caseID), colorStatus(class),
			(time.Duration(durationMS) * time.Millisecond).Round(time.Second),
			messages, retries, escalations, shortTime(finished))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// short truncates ids for table display.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortTime(raw string) string {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return ts.Local().Format("Jan 02 15:04:05")
}

func colorStatus(s string) string {
	switch s {
	case "pending", "queued", "analysis":
		return color.YellowString(s)
	case "in_flight", "running", "negotiation":
		return color.CyanString(s)
	case "delivered", "active", "resolved", "completed":
		return color.GreenString(s)
	case "failed", "rejected", "expired", "recovered-with-errors", "escalated", "abandoned":
		return color.RedString(s)
	default:
		return s
	}
}
