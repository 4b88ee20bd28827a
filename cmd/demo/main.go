// Command demo shows a tracked job surviving a client restart.
//
//	go run ./cmd/demo start    # request a job, stop before it finishes
//	go run ./cmd/demo recover  # restore the session, resume, see the outcome
//
// Both runs start an in-process backend on -addr. The backend of the first
// run acknowledges jobs but never finishes them; the backend of the second
// run finishes every job it is asked to resubscribe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/electronicpartnerio/realtime-communication/internal/controller"
	"github.com/electronicpartnerio/realtime-communication/internal/correlator"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/sqlite"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "backend listen address")
	dbPath := flag.String("db", "demo.db", "durable store")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./cmd/demo [-addr host:port] [-db path] <start|recover>")
		os.Exit(1)
	}
	mode := flag.Arg(0)
	if mode != "start" && mode != "recover" {
		log.Fatalf("unknown mode %q", mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := serveBackend(*addr, mode == "recover")
	if err != nil {
		log.Fatalf("Failed to start backend: %v", err)
	}
	defer shutdown()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	toaster := &printToaster{}
	ctrl := controller.New(controller.Config{}, controller.Deps{
		SessionStore: store,
		DurableStore: store,
		Effects:      &effects.Dispatcher{Toaster: toaster, Logger: logger},
		Logger:       logger,
	})
	defer func() {
		ctrl.Stop()
		fmt.Println("✓ Controller stopped")
	}()

	restored, err := ctrl.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, restored sessions: %d)\n", mode, len(restored))

	switch mode {
	case "start":
		runStart(ctx, ctrl, "ws://"+*addr+"/ws")
	case "recover":
		runRecover(ctx, ctrl)
	}
}

func runStart(ctx context.Context, ctrl *controller.Controller, url string) {
	if n := len(ctrl.Jobs().Pending(ctx)); n > 0 {
		fmt.Printf("\n⚠️  %d job(s) still pending from a previous run, use 'recover'\n", n)
		return
	}

	sess, err := ctrl.Client(ctx, session.Options{URL: url})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	corr, err := ctrl.Correlator(sess)
	if err != nil {
		log.Fatalf("No correlator: %v", err)
	}

	go func() {
		_, err := corr.Request(ctx, types.Payload{"report": "sales-q3"}, correlator.RequestOptions{
			Type:     "export.start",
			TrackJob: true,
			Pending:  types.Literal("Exporting sales-q3..."),
			Success:  types.Literal("Export finished"),
			Error:    types.Literal("Export failed"),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("request ended: %v\n", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for len(ctrl.Jobs().Pending(ctx)) == 0 {
		select {
		case <-deadline:
			log.Fatal("job was never acknowledged")
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	for _, rec := range ctrl.Jobs().Pending(ctx) {
		fmt.Printf("\n📊 Job %s acknowledged, status: %s\n", rec.JobID, rec.Status)
	}
	fmt.Println("💡 Stopping before the backend finishes the job.")
	fmt.Println("   Run 'go run ./cmd/demo recover' to restore and resume it.")
}

func runRecover(ctx context.Context, ctrl *controller.Controller) {
	pending := ctrl.Jobs().Pending(ctx)
	fmt.Printf("\n📊 Pending jobs after restart: %d\n", len(pending))
	if len(pending) == 0 {
		fmt.Println("   Nothing to resume, run 'start' first.")
		return
	}

	fmt.Println("⏳ Waiting for the restored session to resubscribe...")
	deadline := time.After(10 * time.Second)
	for len(ctrl.Jobs().Pending(ctx)) > 0 {
		select {
		case <-deadline:
			fmt.Println("⚠️  Jobs are still pending")
			return
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	fmt.Println("\n📊 Final job records:")
	for _, rec := range ctrl.Jobs().List(ctx) {
		fmt.Printf("  %-24s %-8s %s\n", rec.JobID, rec.Status, rec.DownloadURL)
	}
}

// ============================================================================
// In-process backend
// ============================================================================

func serveBackend(addr string, finish bool) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			typ, _ := msg["type"].(string)
			switch {
			case typ == "export.start":
				conn.WriteJSON(map[string]any{
					"type":          "export.ack",
					"correlationId": msg["correlationId"],
					"jobId":         fmt.Sprintf("export-%d", time.Now().UnixNano()),
				})
			case typ == types.TypeJobSubscribe && finish:
				conn.WriteJSON(map[string]any{
					"type":        "export.job.done",
					"jobId":       msg["jobId"],
					"downloadUrl": "https://files.example/sales-q3.csv",
				})
			}
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// printToaster prints toasts to stdout.
type printToaster struct{}

func (printToaster) ShowPending(id, text string) { fmt.Printf("  [toast %s] … %s\n", id, text) }
func (printToaster) ShowSuccess(id, text string) { fmt.Printf("  [toast %s] ✓ %s\n", id, text) }
func (printToaster) ShowError(id, text string)   { fmt.Printf("  [toast %s] ✗ %s\n", id, text) }
