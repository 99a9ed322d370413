package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"approvia.org/internal/audit"
	"approvia.org/internal/dimensions"
	"approvia.org/internal/httpapi"
	"approvia.org/internal/obs"
	"approvia.org/internal/rbac"
	"approvia.org/internal/workflow"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("APPROVIA_COMMIT"))

	var db *sql.DB
	if dsn := os.Getenv("APPROVIA_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	svc, err := buildServices(db)
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.RBAC.EnsureBuiltins(ctx); err != nil {
		cancel()
		log.Fatalf("ensure builtin permissions: %v", err)
	}
	cancel()

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting approvia-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// buildServices wires PostgreSQL-backed stores when a DSN is configured and
// in-memory ones otherwise, which keeps local runs dependency-free.
func buildServices(db *sql.DB) (httpapi.Services, error) {
	var (
		ledger    audit.Ledger
		rbacStore rbac.Store
		wfStore   workflow.Store
		dimStore  dimensions.Store
	)
	if db != nil {
		ledger = audit.NewPGLedger(db)
		rbacStore = rbac.NewPGStore(db)
		wfStore = workflow.NewPGStore(db)
		dimStore = dimensions.NewPGStore(db)
	} else {
		ledger = audit.NewInMemory()
		rbacStore = rbac.NewInMemory()
		wfStore = workflow.NewInMemory(ledger)
		dimStore = dimensions.NewInMemory()
	}

	rbacSvc, err := rbac.NewService(rbacStore)
	if err != nil {
		return httpapi.Services{}, err
	}
	engine, err := workflow.NewEngine(wfStore, rbacSvc)
	if err != nil {
		return httpapi.Services{}, err
	}
	dimSvc, err := dimensions.NewService(dimStore)
	if err != nil {
		return httpapi.Services{}, err
	}
	return httpapi.Services{
		RBAC:       rbacSvc,
		Workflow:   engine,
		Dimensions: dimSvc,
		Audit:      ledger,
	}, nil
}

func listenAddr() string {
	if addr := os.Getenv("APPROVIA_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
