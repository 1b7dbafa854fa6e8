// editlogctl is the command-line front end for the editlog history engine.
package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	configPath = flag.String("config", "", "path to config file")
	verbose    = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "save":
		need(args, 2, "save <document> <file|->")
		err = cmdSave(args[0], args[1])
	case "log":
		need(args, 1, "log <document>")
		err = cmdLog(args[0])
	case "show":
		need(args, 1, "show <edit-id>")
		err = cmdShow(args[0])
	case "verify":
		need(args, 1, "verify <document>")
		err = cmdVerify(args[0])
	case "clear":
		need(args, 1, "clear <document>")
		err = cmdClear(args[0])
	case "restore":
		need(args, 3, "restore <document> <edit-id> <file>")
		err = cmdRestore(args[0], args[1], args[2])
	case "rebase":
		need(args, 3, "rebase <document> <edit-id> <file>")
		err = cmdRebase(args[0], args[1], args[2])
	case "export":
		need(args, 1, "export <document> [output.json]")
		output := ""
		if len(args) >= 2 {
			output = args[1]
		}
		err = cmdExport(args[0], output)
	case "watch":
		need(args, 2, "watch <document> <file>")
		err = cmdWatch(args[0], args[1])
	case "status":
		err = cmdStatus()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func need(args []string, n int, form string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "Usage: editlogctl %s\n", form)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `editlogctl - Edit history for text documents

Usage: editlogctl [options] <command> [args]

Commands:
  save <doc> <file|->          Commit the file (or stdin) as the next version
  log <doc>                    List a document's edits, newest first
  show <edit-id>               Print the text of one edit
  verify <doc>                 Replay and check every edit of a document
  clear <doc>                  Delete a document's entire history
  restore <doc> <id> <file>    Write an old version into file without recording
  rebase <doc> <id> <file>     Make an old version the new head
  export <doc> [out.json]      Export history as JSON (stdout by default)
  watch <doc> <file>           Record edits to file as it changes
  status                       Show configuration and store statistics
  help                         Show this help message

Options:
  -config <path>  Path to config file (TOML, YAML or JSON)
  -v              Enable debug logging`)
}
