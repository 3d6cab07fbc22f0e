package main

import (
	"chat-core/internal"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	BadgerFilepath string `envconfig:"BADGER_FILEPATH" default:"./data/badger"`
	DebugPort      int    `envconfig:"DEBUG_PORT" default:"8081"`
	// INSPECT_COLOURS enables colorized namespaces
	Colours bool `envconfig:"INSPECT_COLOURS" default:"true"`
	// INSPECT_MAX_DETAIL truncates long rows
	MaxDetail int `envconfig:"INSPECT_MAX_DETAIL" default:"80"`
}

var namespaceColours = map[string]color.Color{
	"MESSAGE":      color.FgGreen,
	"ROOM":         color.FgCyan,
	"MEMBER":       color.FgBlue,
	"NOTIFICATION": color.FgYellow,
	"DEAD_LETTER":  color.FgRed,
}

func main() {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		log.Fatalf("Config error: %v", err)
	}
	dbPath := flag.String("db", config.BadgerFilepath, "Path to badger DB")
	prefix := flag.String("prefix", "room:", "Prefix to scan (msg:, member:, notif:dead:, ...)")
	serve := flag.Bool("serve", false, "Serve the web inspector instead of printing a table")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	if *serve {
		fmt.Printf("🌐 Inspector started at http://localhost:%d/inspect\n", config.DebugPort)
		database.StartDebugServer(db, config.DebugPort, "/inspect", internal.InspectMapper)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return
	}

	if err := printTable(db, *prefix, config); err != nil {
		log.Fatal(err)
	}
}

func printTable(db *badger.DB, prefix string, config Config) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Namespace", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	rows := 0
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(v []byte) error {
				table.Append([]string{key, paint(internal.Namespace(key), config.Colours), truncate(internal.Summary(v), config.MaxDetail)})
				return nil
			})
			if err != nil {
				return err
			}
			rows++
		}
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	fmt.Printf("%d rows under %q\n", rows, prefix)
	return nil
}

func paint(namespace string, colours bool) string {
	c, ok := namespaceColours[namespace]
	if !colours || !ok {
		return namespace
	}
	return c.Render(namespace)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// openDB opens read-only so it can run next to a live gateway.
func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Log truncate required") {
			return nil, fmt.Errorf("%w: stop the gateway so badger can truncate its value log", err)
		}
		return nil, err
	}
	return db, nil
}
