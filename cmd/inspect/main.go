// Command inspect prints the entities or journaled events kept in a hub database.
package main

import (
	"flag"
	"fmt"
	"live-hub/domain"
	"live-hub/internal/jsoncodec"
	"live-hub/repositories"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

const maxDetail = 80

func main() {
	dbPath := flag.String("db", "", "Path to badger DB")
	prefix := flag.String("prefix", "ent:", "Prefix to scan, ent: for entities, evt: for the journal")
	flag.Parse()
	if *dbPath == "" {
		log.Fatal("-db is required")
	}

	// Read-only so a running hub keeps its lock.
	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Timestamp", "Detail"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	count := 0
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(v []byte) error {
				row, err := toRow(key, v)
				if err != nil {
					fmt.Printf("Error decoding key %s: %v\n", key, err)
					return nil
				}
				table.Append(row)
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal("Error while reading Badger: ", err)
	}

	table.Render()
	fmt.Printf("\n%d record(s) under %q\n", count, *prefix)
}

func toRow(key string, value []byte) ([]string, error) {
	switch {
	case strings.HasPrefix(key, "evt:"):
		var e repositories.DiskEvent
		if err := jsoncodec.Unmarshal(value, &e); err != nil {
			return nil, err
		}
		return []string{key, e.Type, e.PublishedAt.Format(time.RFC3339), truncate(string(e.Payload))}, nil
	default:
		var doc domain.Document
		if err := jsoncodec.Unmarshal(value, &doc); err != nil {
			return nil, err
		}
		return []string{key, doc.Type, doc.UpdatedAt.Format(time.RFC3339), truncate(string(doc.Data))}, nil
	}
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	return s[:maxDetail-3] + "..."
}
