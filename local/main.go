package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/db"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/idempotency"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/logging"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/queue"
	"github.com/kartverket/altinn3-file-transfer-proxy/internal/transit"
)

const (
	defaultDSN = "host=localhost port=5432 user=transit password=transit dbname=transit sslmode=disable"
)

// Smoke test against a local Postgres: migrate, then deliver the same
// published file transfer twice and check that exactly one copy is stored.
func main() {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = defaultDSN
	}

	fmt.Println("Connecting to database...")
	dbClient, err := db.NewClient(ctx, dsn, 4)
	if err != nil {
		fail("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()

	fmt.Println("Running migrations...")
	if err := dbClient.Migrate(ctx); err != nil {
		fail("Failed to run migrations: %v", err)
	}

	idempotencyClient := idempotency.NewClient(dbClient.DB())
	service := &transit.Service{
		DB:       dbClient,
		Notifier: queue.Nop{},
		Logger:   logging.NewLogger("local"),
		Options: transit.Options{
			PersistEvent: true,
			PersistFile:  true,
		},
	}

	fileTransferID := uuid.New().String()
	eventID := fmt.Sprintf("%d", time.Now().UnixNano())
	ev := &models.EnrichedEvent{
		Event: models.CloudEvent{
			ID:               eventID,
			Type:             models.EventTypePublished,
			ResourceInstance: fileTransferID,
			Resource:         "urn:altinn:resource:local-test",
		},
		Overview: models.FileOverview{
			FileTransferID:   fileTransferID,
			ResourceID:       "local-test",
			FileName:         "local.xml",
			SendersReference: "local-" + eventID,
			Status:           models.FileStatusPublished,
			Created:          time.Now().UTC(),
			Sender:           "0192:991825827",
		},
	}
	payload := []byte("<melding>local</melding>")
	confirm := func(context.Context) error { return nil }

	fmt.Printf("Testing with file transfer %s, event %s\n", fileTransferID, eventID)

	fmt.Println("\n1. First delivery...")
	processed, err := idempotencyClient.CheckAndMark(ctx, eventID)
	if err != nil {
		fail("CheckAndMark failed: %v", err)
	}
	if processed {
		fail("ERROR: Expected a new event")
	}
	if err := service.StartTransfer(ctx, ev, payload, confirm); err != nil {
		fail("StartTransfer failed: %v", err)
	}
	if err := idempotencyClient.MarkSuccess(ctx, eventID); err != nil {
		fail("MarkSuccess failed: %v", err)
	}
	fmt.Println("   ✓ File stored")

	fmt.Println("\n2. Duplicate delivery is detected...")
	processed, err = idempotencyClient.CheckAndMark(ctx, eventID)
	if err != nil {
		fail("CheckAndMark failed: %v", err)
	}
	if !processed {
		fail("ERROR: Expected the event to be already processed (IDEMPOTENCY BUG!)")
	}
	fmt.Println("   ✓ Already-processed event correctly detected")

	fmt.Println("\n3. Storing the same transfer again...")
	err = service.StartTransfer(ctx, ev, payload, confirm)
	var warning *models.WarningError
	if !errors.As(err, &warning) {
		fail("ERROR: Expected an 'already exists' warning, got %v", err)
	}
	fmt.Printf("   ✓ %s\n", warning.Message)

	fmt.Println("\n4. Verifying one row per table...")
	for _, check := range []struct {
		table string
		query string
		arg   string
	}{
		{"altinn_fil_overview", "SELECT COUNT(*) FROM altinn_fil_overview WHERE file_transfer_id = $1", fileTransferID},
		{"altinn_fil", "SELECT COUNT(*) FROM altinn_fil f JOIN altinn_fil_overview o ON o.id = f.file_overview_id WHERE o.file_transfer_id = $1", fileTransferID},
		{"altinn_event", "SELECT COUNT(*) FROM altinn_event WHERE altinn_id = $1", eventID},
	} {
		var count int
		if err := dbClient.DB().QueryRowContext(ctx, check.query, check.arg).Scan(&count); err != nil {
			fail("Count query on %s failed: %v", check.table, err)
		}
		if count != 1 {
			fail("ERROR: Expected exactly 1 row in %s, found %d (IDEMPOTENCY VIOLATION!)", check.table, count)
		}
		fmt.Printf("   ✓ %s: 1 row\n", check.table)
	}

	fmt.Println("\n============================================================")
	fmt.Println("ALL TESTS PASSED ✓")
	fmt.Println("============================================================")
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
