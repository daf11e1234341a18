// Command dashboard follows a guardchain server's event stream and
// renders a rolling summary of the reconciled state to the terminal.
//
// Usage:
//
//	GUARDCHAIN_URL=http://localhost:8080 GUARDCHAIN_TOKEN=... go run ./cmd/dashboard
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/guardchain/internal/fraud"
	"github.com/mbd888/guardchain/internal/logging"
	"github.com/mbd888/guardchain/internal/reconcile"
	"github.com/mbd888/guardchain/internal/stream"
)

type printNotifier struct{}

func (printNotifier) Notify(a fraud.Alert) {
	fmt.Printf("\n*** ALERT %s [%s] %s (risk %.2f)\n", a.ID, a.Severity, a.Title, a.RiskScore)
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(getEnv("LOG_LEVEL", "warn"), "text")

	baseURL := getEnv("GUARDCHAIN_URL", "http://localhost:8080")
	token := os.Getenv("GUARDCHAIN_TOKEN")
	if token == "" {
		logger.Error("GUARDCHAIN_TOKEN environment variable is required")
		os.Exit(1)
	}

	wsURL, err := websocketURL(baseURL)
	if err != nil {
		logger.Error("invalid GUARDCHAIN_URL", "url", baseURL, "error", err)
		os.Exit(1)
	}

	topics := strings.Split(getEnv("GUARDCHAIN_TOPICS", stream.TopicTransactions+","+stream.TopicAlerts), ",")

	snapshot := &reconcile.HTTPSnapshot{BaseURL: baseURL, Token: token}
	rec := reconcile.NewReconciler(snapshot, printNotifier{}, logger)
	client := reconcile.NewClient(wsURL, token, topics, rec, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go client.Run(ctx)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nbye")
			return
		case <-ticker.C:
			render(rec.State(), rec.Resyncs())
		}
	}
}

func render(s reconcile.State, resyncs int) {
	a := s.Analytics
	fmt.Printf("\033[H\033[2J") // clear screen
	fmt.Printf("GuardChain Dashboard  %s\n\n", time.Now().Format("15:04:05"))
	fmt.Printf("Transactions: %d   Volume: %.2f   Alerts: %d   Resyncs: %d\n",
		a.TotalTransactions, a.TotalAmount, a.TotalAlerts, resyncs)
	fmt.Printf("Risk: low=%d medium=%d high=%d\n\n",
		a.RiskDistribution.Low, a.RiskDistribution.Medium, a.RiskDistribution.High)

	fmt.Println("Recent activity:")
	for _, tx := range s.RecentActivity {
		fmt.Printf("  %-24s %10.2f %s  %-10s risk=%.2f\n",
			tx.ID, tx.Amount, tx.Currency, tx.Status, tx.RiskScore)
	}

	if len(s.Alerts) > 0 {
		fmt.Println("\nOpen alerts:")
		n := len(s.Alerts)
		if n > 5 {
			n = 5
		}
		for _, al := range s.Alerts[:n] {
			fmt.Printf("  %-24s [%s] %s\n", al.ID, al.Severity, al.Title)
		}
	}
}

// websocketURL maps the REST base URL to the stream endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	return u.String(), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
