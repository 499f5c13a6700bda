// Command storage-init provisions the backing stores: Azure tables and the
// events queue, or the SQL schema when DATABASE_URL is set.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	dbURL := os.Getenv("DATABASE_URL")
	if connStr == "" && dbURL == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or DATABASE_URL")
	}

	if connStr != "" {
		if err := createTables(ctx, connStr, []string{
			envOr("TASKS_TABLE", "tasks"),
			envOr("USERS_TABLE", "users"),
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := createQueues(ctx, connStr, []string{os.Getenv("EVENTS_QUEUE")}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	if dbURL != "" {
		driver := strings.ToLower(envOr("STORE_DRIVER", storage.DriverPostgres))
		if err := migrate(ctx, driver, dbURL); err != nil {
			log.Fatalf("migrate %s: %v", driver, err)
		}
	}

	log.Info("storage init complete")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Info("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, queueAlreadyExists) {
			return err
		}
		log.WithField("queue", name).Info("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

// migrate opens the database, which applies the schema, and closes it again.
func migrate(ctx context.Context, driver, dsn string) error {
	db, err := storage.OpenSQL(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	log.WithField("driver", driver).Info("schema ready")
	return nil
}
