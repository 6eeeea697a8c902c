// cmd/vela/main.go
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"

	"vela/internal/compiler"
	"vela/internal/lexer"
	"vela/internal/module"
	"vela/internal/stdlib"
	"vela/internal/value"
	"vela/internal/vm"
)

const version = "0.1.0"

// Command aliases, in the teacher's cmd/sentra/main.go style: a plain
// os.Args switch with short aliases, no flag-parsing framework.
var commandAliases = map[string]string{
	"r": "run",
	"i": "repl",
	"v": "version",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run holds the command dispatch so cmd/vela/main_test.go can drive it
// through github.com/rogpeppe/go-internal/testscript without spawning a
// subprocess per test case.
func run(args []string) int {
	if len(args) == 0 {
		showUsage()
		return 0
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return 0
	case "--version", "-v", "version":
		showVersion()
		return 0
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: vela run <file.vela> [args...]")
			return 65
		}
		return runFile(args[1], args[2:])
	case "repl":
		runREPL()
		return 0
	default:
		// No subcommand recognized: treat the first argument as a
		// script path directly (`vela script.vela`), the teacher's
		// own fallback when no known command matches.
		return runFile(args[0], args[1:])
	}
}

func showUsage() {
	fmt.Println("Vela " + version)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  vela run <file.vela> [args...]   Run a Vela script       (alias: r)")
	fmt.Println("  vela repl                        Start the REPL         (alias: i)")
	fmt.Println("  vela version                     Print version          (alias: v)")
}

func showVersion() {
	fmt.Println("vela " + version)
}

// newVM wires one VM with the module registry and every native stdlib
// module registered, and exposes argv to the running script.
func newVM(scriptArgs []string) *vm.VM {
	v := vm.New()
	reg := module.NewRegistry()
	stdlib.RegisterAll(reg)
	v.SetModules(reg)

	argv := value.NewTable()
	for _, a := range scriptArgs {
		argv.Append(value.NewString(a))
	}
	v.Globals.Set(value.NewString("argv"), argv)
	v.Globals.Set(value.NewString("argc"), float64(len(scriptArgs)))
	v.Globals.Set(value.NewString("__main"), true)
	return v
}

// runFile implements spec.md §7's CLI contract: exit 0 on success, 65 on
// a compile error (syntax or otherwise caught before the VM ever runs),
// 70 on a runtime error surfaced while driving the script.
func runFile(path string, scriptArgs []string) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vela: %v\n", err)
		return 65
	}

	fn, err := compileSource(string(source), path)
	if err != nil {
		printCompileError(err)
		return 65
	}

	v := newVM(scriptArgs)
	v.Globals.Set(value.NewString("__file"), value.NewString(path))
	if _, err := v.Interpret(fn); err != nil {
		return 70
	}
	return 0
}

func compileSource(source, file string) (*value.Function, error) {
	scanner := lexer.NewScanner(source)
	tokens := scanner.ScanTokens()
	if errs := scanner.Errors(); len(errs) > 0 {
		return nil, errs[0]
	}
	comp := compiler.NewCompiler(tokens, file)
	return comp.Compile()
}

// printCompileError renders in red when stderr is a terminal, detected
// via github.com/mattn/go-isatty the same way the teacher's traceback
// printer gates ANSI color codes.
func printCompileError(err error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\x1b[31mError: %v\x1b[0m\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func runREPL() {
	fmt.Println("Vela REPL | type 'exit' to quit")
	stdin := bufio.NewScanner(os.Stdin)
	v := newVM(nil)

	for i := 0; ; i++ {
		fmt.Print(">>> ")
		if !stdin.Scan() {
			break
		}
		line := stdin.Text()
		if line == "exit" {
			break
		}
		if line == "" {
			continue
		}

		fn, err := compileSource(line, "<repl:"+strconv.Itoa(i)+">")
		if err != nil {
			printCompileError(err)
			continue
		}
		result, err := v.Interpret(fn)
		if err != nil {
			continue
		}
		if result != nil {
			fmt.Println(value.PlainString(result))
		}
	}
}
