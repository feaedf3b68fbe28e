// Command codeswitch is a minimal embedding-surface smoke test: it
// builds one of a small set of built-in demo functions, loads it into
// a fresh VM, invokes it, and reports the result on stdout with the
// process exit code carrying the call's outcome (0: normal return, 1:
// unhandled exception, 2: usage error, 3: infrastructure error before
// the call ever ran).
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"codeswitch/internal/block"
	"codeswitch/internal/bytecode"
	"codeswitch/internal/function"
	"codeswitch/internal/interp"
	"codeswitch/internal/types"
	"codeswitch/internal/vm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: codeswitch [-fn double|alloc] [-arg n] [-debug] [-semispace-words n]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

var (
	fnFlag    = flag.String("fn", "double", "which built-in demo function to run (double, alloc)")
	argFlag   = flag.Int64("arg", 21, "argument passed to -fn double")
	debugFlag = flag.Bool("debug", false, "drop into a raw-terminal disassembly/result REPL after the call")
	wordsFlag = flag.Int("semispace-words", 1<<16, "words per copying-collector semispace")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
	}

	demo, err := buildDemo(*fnFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "codeswitch:", err)
		os.Exit(2)
	}

	digest, err := vm.ComputeDigest(demo.pkg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "codeswitch: computing package digest:", err)
		os.Exit(3)
	}
	demo.pkg.Digest = digest

	v := vm.New(vm.Options{SemispaceWords: *wordsFlag})
	defer v.Close()

	if err := v.Load(demo.pkg); err != nil {
		fmt.Fprintln(os.Stderr, "codeswitch: load:", err)
		os.Exit(3)
	}

	var args []int64
	if demo.name == "double" {
		args = []int64{*argFlag}
	}

	res, err := v.Call(demo.fn, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "codeswitch: call:", err)
		os.Exit(3)
	}

	if !res.Exception.IsNull() {
		fmt.Printf("unhandled exception: %v\n", res.Exception)
	} else {
		fmt.Printf("result: %d\n", res.Value)
	}

	if *debugFlag {
		runDebugREPL(demo, res)
	}

	if !res.Exception.IsNull() {
		os.Exit(1)
	}
}

// demoProgram bundles the Package and Function built for one -fn
// choice, kept together so the debug REPL can disassemble the same
// function that was actually run.
type demoProgram struct {
	name string
	pkg  *vm.Package
	fn   *function.Function
}

func buildDemo(name string) (demoProgram, error) {
	switch name {
	case "double":
		var asm bytecode.Assembler
		asm.Emit(bytecode.OpImm(bytecode.OpLoadLocal, -1))
		asm.Emit(bytecode.OpImm(bytecode.OpLoadLocal, -1))
		asm.Emit(bytecode.Op(bytecode.OpAdd))
		asm.Emit(bytecode.Op(bytecode.OpReturn))
		fn := &function.Function{
			Name:       "double",
			ParamTypes: []*types.Type{types.Int(64, true)},
			ResultType: types.Int(64, true),
			Bytecode:   asm.Bytes(),
		}
		pkg := &vm.Package{Name: "demo", LanguageVersion: vm.MinLanguageVersion, Functions: []*function.Function{fn}}
		return demoProgram{name: name, pkg: pkg, fn: fn}, nil

	case "alloc":
		obj := types.NewClass("Obj", nil)
		layout := block.NewMeta(block.BlockType(0x40), 1, 0, 0)
		var asm bytecode.Assembler
		asm.Emit(bytecode.OpImm(bytecode.OpAllocObj, 0))
		asm.Emit(bytecode.Op(bytecode.OpReturn))
		fn := &function.Function{
			Name:       "makeObj",
			ResultType: types.ClassType(obj),
			TypeTable:  []*types.Type{types.ClassType(obj)},
			Bytecode:   asm.Bytes(),
		}
		pkg := &vm.Package{
			Name:            "demo",
			LanguageVersion: vm.MinLanguageVersion,
			Functions:       []*function.Function{fn},
			Classes:         []*types.Class{obj},
			ClassLayouts:    []*block.Meta{layout},
		}
		return demoProgram{name: name, pkg: pkg, fn: fn}, nil

	default:
		return demoProgram{}, fmt.Errorf("unknown -fn %q (want double or alloc)", name)
	}
}

// runDebugREPL puts the terminal into raw mode and serves a tiny
// command loop over the demo function's bytecode and the call's
// result, until the user quits or closes stdin. Raw mode matters here
// the same way it does for any line-editing terminal client: without
// it, the terminal driver's own line buffering fights the prompt
// redraws term.Terminal does on every keystroke.
func runDebugREPL(demo demoProgram, res interp.Result) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "codeswitch: debug: stdin is not a terminal:", err)
		return
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(os.Stdin, fmt.Sprintf("(codeswitch %s) ", demo.name))
	fmt.Fprintln(t, "type 'dis' to disassemble, 'result' to reprint the call result, 'quit' to exit")
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		switch line {
		case "dis":
			for _, l := range bytecode.Disassemble(demo.fn.Bytecode, bytecode.NumOperands) {
				fmt.Fprintln(t, l)
			}
		case "result":
			if !res.Exception.IsNull() {
				fmt.Fprintf(t, "unhandled exception: %v\n", res.Exception)
			} else {
				fmt.Fprintf(t, "result: %d\n", res.Value)
			}
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(t, "unknown command %q\n", line)
		}
	}
}
