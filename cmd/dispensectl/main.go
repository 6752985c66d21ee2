// Command dispensectl is the operator tool: it issues dispense commands,
// reads and rebuilds views, and manages dead-letter entries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/example/dispensary/internal/command"
	"github.com/example/dispensary/internal/config"
	"github.com/example/dispensary/internal/domain/dispense"
	"github.com/example/dispensary/internal/infrastructure/store"
	"github.com/example/dispensary/internal/pipeline"
	"github.com/example/dispensary/internal/projection"
	"github.com/example/dispensary/internal/query"
)

const usage = `usage: dispensectl [-timeout d] <command> [args]

  command <name> [json]        run a dispense command (start, upload-prescription,
                               add-patient, add-drugs, complete, cancel)
  view <dispense-id>           print the projected view
  rebuild <dispense-id>        recompute the view from the event log
  deadletters list [component] list quarantined records (recover views
                               entries with rebuild)
  deadletters remove <id>      delete a quarantined record
`

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Ctl] Invalid configuration: %v", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		log.Fatalf("[Ctl] Invalid log configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dialect := store.Dialect(cfg.Database.Driver)
	db, err := store.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Ctl] Failed to connect to database: %v", err)
	}
	defer db.Close()

	events := store.NewSQLEventStore(db, dialect)
	views := store.NewSQLViewStore(db, dialect)
	deadLetters := store.NewSQLDeadLetterStore(db, dialect)
	policy := pipeline.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Backoff:     cfg.Pipeline.Backoff,
		MaxBackoff:  cfg.Pipeline.MaxBackoff,
	}

	args := flag.Args()
	var out any
	switch args[0] {
	case "command":
		if len(args) < 2 {
			fail("command needs a name")
		}
		var body json.RawMessage
		if len(args) > 2 {
			body = json.RawMessage(args[2])
		}
		handler := command.NewHandler(dispense.NewService(events, cfg.SnapshotEvery), policy)
		out, err = handler.Execute(ctx, args[1], body)
	case "view":
		if len(args) != 2 {
			fail("view needs a dispense id")
		}
		out, err = query.NewHandler(views).GetView(ctx, args[1])
	case "rebuild":
		if len(args) != 2 {
			fail("rebuild needs a dispense id")
		}
		runner := pipeline.NewRunner(projection.Component, policy, deadLetters, nil)
		out, err = projection.NewProjector(views, events, runner).Rebuild(ctx, args[1])
	case "deadletters":
		out, err = deadLetterCommand(ctx, deadLetters, args[1:])
	default:
		fail("unknown command " + args[0])
	}
	if err != nil {
		log.Fatalf("[Ctl] %s failed: %v", args[0], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("[Ctl] Failed to write output: %v", err)
	}
}

func deadLetterCommand(ctx context.Context, s *store.SQLDeadLetterStore, args []string) (any, error) {
	if len(args) == 0 {
		fail("deadletters needs list or remove")
	}
	switch args[0] {
	case "list":
		component := ""
		if len(args) > 1 {
			component = args[1]
		}
		entries, err := s.List(ctx, component)
		if err != nil {
			return nil, err
		}
		if hint := rebuildHint(entries); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		return entries, nil
	case "remove":
		if len(args) != 2 {
			fail("deadletters remove needs an id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fail("invalid id " + args[1])
		}
		if err := s.Remove(ctx, id); err != nil {
			return nil, err
		}
		return map[string]int64{"removed": id}, nil
	default:
		fail("unknown deadletters command " + args[0])
		return nil, nil
	}
}

// rebuildHint points at rebuild when views entries are listed: the fold
// ignores a replayed record once a later event has been projected.
func rebuildHint(entries []store.StoredEntry) string {
	for _, e := range entries {
		if e.Component == projection.Component {
			return "dispensectl: recover views entries with `dispensectl rebuild " + e.OriginalRecord.PartitionKey + "`; replaying them is a no-op once a later event has been projected"
		}
	}
	return ""
}

func fail(msg string) {
	fmt.Fprintf(os.Stderr, "dispensectl: %s\n\n%s", msg, usage)
	os.Exit(2)
}
