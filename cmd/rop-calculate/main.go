// Command rop-calculate runs one reorder-point calculation outside the server,
// optionally importing usage history first.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/fulfillment_backend/config"
	"github.com/mmdatafocus/fulfillment_backend/inventory"
	"github.com/mmdatafocus/fulfillment_backend/models"
	"github.com/mmdatafocus/fulfillment_backend/replenishment"
	"github.com/mmdatafocus/fulfillment_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	usageFile := flag.String("usage", "", "Optional: JSON file with [{sku,date,quantity}] to record before calculating")
	discard := flag.Bool("discard-overrides", false, "Drop manual quantity and vendor split overrides")
	windowDays := flag.Int("window-days", 0, "Optional: usage window in days (defaults to ROP_WINDOW_DAYS)")
	createOrders := flag.Bool("create-orders", false, "Create purchase orders for every pending item after calculating")
	flag.Parse()

	settings := config.LoadSettings()
	if *windowDays > 0 {
		settings.ROPWindowDays = *windowDays
	}
	logger := config.GetLogger()
	ctx := context.Background()

	db := config.ConnectDatabaseWithRetry(settings)
	if !settings.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}
	engine := replenishment.NewEngine(db, inventory.NewBinLedger(db, logger, settings.CASMaxRetries), logger, replenishment.Options{
		WindowDays:          settings.ROPWindowDays,
		DefaultLeadTimeDays: settings.DefaultLeadTimeDays,
	})

	if path := strings.TrimSpace(*usageFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read usage file: %v\n", err)
			os.Exit(1)
		}
		var records []models.UsageRecord
		if err := utils.UnmarshalFromJSON(raw, &records); err != nil {
			fmt.Fprintf(os.Stderr, "decode usage file: %v\n", err)
			os.Exit(1)
		}
		n, err := engine.RecordUsage(ctx, records)
		if err != nil {
			fmt.Fprintf(os.Stderr, "record usage: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("recorded %d usage rows\n", n)
	}

	run, err := engine.Calculate(ctx, replenishment.CalculateOptions{DiscardOverrides: *discard})
	if err != nil {
		fmt.Fprintf(os.Stderr, "calculate: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"field":  "rop-calculate",
		"run_id": run.ID,
		"items":  run.ItemCount,
		"status": run.Status,
	}).Info("calculation finished")
	fmt.Printf("run %s: %s, %d items\n", run.ID, run.Status, run.ItemCount)

	if !*createOrders {
		return
	}
	var ids []int
	for page := 1; ; page++ {
		items, err := engine.ListItems(ctx, replenishment.ItemQuery{
			Query:         models.Query{Page: page, Limit: models.MaxPageLimit},
			CalculationId: run.ID,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list items: %v\n", err)
			os.Exit(1)
		}
		for _, it := range items.Data {
			if it.Status != models.ROPStatusOrdered {
				ids = append(ids, it.ID)
			}
		}
		if len(items.Data) < models.MaxPageLimit {
			break
		}
	}
	if len(ids) == 0 {
		fmt.Println("no items to order")
		return
	}
	result, err := engine.CreatePurchaseOrders(ctx, ids, "rop-calculate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create purchase orders: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created %d purchase orders, skipped %d items\n", len(result.Orders), len(result.Skipped))
}
