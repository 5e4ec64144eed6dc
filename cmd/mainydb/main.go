// Command mainydb is a local inspector CLI over a single MainyDB file: open
// it, run one find or aggregate operation described by a JWCC (JSON with
// comments) query file, and print the matching documents. There is no
// network server; every invocation opens the file, runs one operation, and
// checkpoints on exit.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/dddevid/mainydb/aggregate"
	"github.com/dddevid/mainydb/compat"
	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/db"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mainydb:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mainydb", flag.ContinueOnError)
	dbFile := fs.StringP("file", "f", "", "path to the database file")
	database := fs.StringP("db", "d", "", "database name")
	collection := fs.StringP("collection", "c", "", "collection name")
	filterFile := fs.String("filter", "", "path to a JWCC filter document for find")
	pipelineFile := fs.String("pipeline", "", "path to a JWCC aggregation pipeline array for aggregate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbFile == "" || *database == "" || *collection == "" {
		return fmt.Errorf("usage: mainydb -f <file> -d <database> -c <collection> [--filter query.jwcc | --pipeline pipeline.jwcc]")
	}

	client, err := compat.Open(*dbFile)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *dbFile, err)
	}
	defer client.Close()

	coll := client.Database(*database).Collection(*collection)

	switch {
	case *pipelineFile != "":
		stages, err := loadPipeline(*pipelineFile)
		if err != nil {
			return err
		}
		cur, err := coll.Aggregate(context.Background(), stages)
		if err != nil {
			return err
		}
		docs, err := aggregate.Drain(context.Background(), cur)
		if err != nil {
			return err
		}
		return printDocuments(docs)
	default:
		filter, err := loadFilter(*filterFile)
		if err != nil {
			return err
		}
		cur, err := coll.Find(db.FindOptions{Filter: filter})
		if err != nil {
			return err
		}
		docs, err := cur.ToList(context.Background())
		if err != nil {
			return err
		}
		return printDocuments(docs)
	}
}

func readJWCC(path string) (*core.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(standardized, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return core.DocumentFromMap(m)
}

func loadFilter(path string) (*core.Document, error) {
	if path == "" {
		return core.NewDocument(), nil
	}
	return readJWCC(path)
}

func loadPipeline(path string) ([]*core.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	var stages []map[string]interface{}
	if err := json.Unmarshal(standardized, &stages); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	out := make([]*core.Document, len(stages))
	for i, s := range stages {
		d, err := core.DocumentFromMap(s)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func printDocuments(docs []*core.Document) error {
	for _, d := range docs {
		m := map[string]interface{}{}
		d.Range(func(k string, v core.Value) bool {
			m[k] = core.ToNative(v)
			return true
		})
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}
