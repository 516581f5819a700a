// Command kvlsm is a minimal interactive shell over the embeddable
// key-value store, for exploring a data directory by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/kvlsm/kvlsm/pkg/config"
	"github.com/kvlsm/kvlsm/pkg/engine"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".exit"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
)

const helpText = `
kvlsm - an embeddable, ordered key-value store

Commands:
  .help              Show this help message
  .stats             Show engine counters
  .flush             Force the active memtable to flush to a segment
  .exit              Close the store and exit

  PUT key value      Store a key-value pair
  GET key            Retrieve a value by key
  DELETE key         Delete a key
`

func main() {
	dataDir := flag.String("data-dir", "", "path to the store's data directory (required)")
	recoverFlag := flag.Bool("recover", false, "recover an existing data directory instead of opening it fresh")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -data-dir is required")
		os.Exit(1)
	}

	var eng *engine.Engine
	var err error
	if *recoverFlag {
		eng, err = engine.Recover(config.Default(*dataDir))
	} else {
		eng, err = engine.New(config.Default(*dataDir))
		if kind, ok := kverrors.KindOf(err); ok && kind == kverrors.KindNotRecovered {
			fmt.Fprintln(os.Stderr, "Error: an unclean shutdown left a WAL behind; rerun with -recover")
			os.Exit(1)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	runInteractive(eng, *dataDir)
}

func runInteractive(eng *engine.Engine, dataDir string) {
	fmt.Println("kvlsm interactive shell")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".kvlsm_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("kvlsm:%s> ", dataDir),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				continue
			}
			if readErr == io.EOF {
				fmt.Println("Goodbye!")
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		switch {
		case cmd == ".HELP":
			fmt.Print(helpText)

		case cmd == ".STATS":
			printStats(eng)

		case cmd == ".FLUSH":
			if err := eng.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		case cmd == ".EXIT":
			fmt.Println("Goodbye!")
			return

		case cmd == "PUT":
			if len(parts) < 3 {
				fmt.Println("Usage: PUT key value")
				continue
			}
			if err := eng.Put([]byte(parts[1]), []byte(strings.Join(parts[2:], " "))); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		case cmd == "GET":
			if len(parts) != 2 {
				fmt.Println("Usage: GET key")
				continue
			}
			v, ok, err := eng.Get([]byte(parts[1]))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			if !ok {
				fmt.Println("(not found)")
				continue
			}
			fmt.Println(string(v))

		case cmd == "DELETE":
			if len(parts) != 2 {
				fmt.Println("Usage: DELETE key")
				continue
			}
			if err := eng.Delete([]byte(parts[1])); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Println("OK")

		default:
			fmt.Printf("Unknown command: %s (enter .help for usage)\n", parts[0])
		}
	}
}

func printStats(eng *engine.Engine) {
	metrics, err := eng.Stats().Registry.Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error gathering stats: %s\n", err)
		return
	}
	for _, mf := range metrics {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s %v\n", mf.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s %v\n", mf.GetName(), m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("%s count=%v sum=%v\n", mf.GetName(), m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			}
		}
	}
}
