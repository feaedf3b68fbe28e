package vm

import (
	"log"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"codeswitch/internal/block"
	"codeswitch/internal/function"
	"codeswitch/internal/handle"
	"codeswitch/internal/heap"
	"codeswitch/internal/interp"
	"codeswitch/internal/stack"
	"codeswitch/internal/types"
)

// stackRef is the fixed address the interpreter Stack is addressed at.
// It is chosen far outside the range of ordinary heap.Ref values (the
// arena's own semispaces start at word 1) and heap's own Meta-registry
// range (nextMeta starts at 1<<40, heap.go), so no allocated block and
// no registered Meta can ever alias it. See DESIGN.md: the Stack's own
// word storage lives outside the copying semispaces, so this address
// never needs to change except via Stack.Relocate's own bookkeeping.
const stackRef = block.Ref(1) << 48

// firstFunctionRef is the first Ref handed out to a loaded Function,
// chosen to sit above stackRef so the two ranges never collide.
const firstFunctionRef = block.Ref(1) << 52

// MinLanguageVersion is the lowest Package.LanguageVersion VM.Load
// accepts, absent an Options override.
const MinLanguageVersion = "v0.1.0"

// Options configures a VM at construction time.
type Options struct {
	SemispaceWords     int
	InitialStackWords  int
	MinLanguageVersion string // semver; defaults to MinLanguageVersion
	Logger             *log.Logger
}

// VM is the single container for all CodeSwitch runtime state: the
// embedder constructs one VM per independent runtime, loads one or
// more Packages into it, and calls functions within them. Nothing here
// is process-wide static; all runtime state is instance-owned.
type VM struct {
	opts Options
	log  *log.Logger

	heap    *heap.Heap
	storage *handle.Storage
	stack   *stack.Stack

	packages  map[string]*Package
	functions map[block.Ref]*function.Function
	refOf     map[*function.Function]block.Ref
	nextFnRef block.Ref

	classMetas map[*types.Class]*block.Meta
	classOf    map[*block.Meta]*types.Class

	interp *interp.Interp
}

// New constructs a VM: an empty Heap rooted at its HandleStorage, and
// an interpreter Stack attached to that Heap as an additional root
// source.
func New(opts Options) *VM {
	if opts.SemispaceWords <= 0 {
		opts.SemispaceWords = 1 << 16
	}
	if opts.InitialStackWords <= 0 {
		opts.InitialStackWords = 4096
	}
	if opts.MinLanguageVersion == "" {
		opts.MinLanguageVersion = MinLanguageVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	storage := handle.NewStorage()
	h := heap.New(heap.Options{SemispaceWords: opts.SemispaceWords, Logger: logger}, storage)

	s := stack.New(stackRef, opts.InitialStackWords)
	h.AttachStack(s)

	// BlockTypeStack is registered so a block.Meta resolution that
	// decodes to it (visit.Walk dispatching to the StackScanner) has
	// somewhere to find NeedsRelocation — not exercised by Collect's
	// own root pass, which talks to *stack.Stack directly (see
	// internal/stack/scan.go), but kept faithful to the rule that every
	// meta-word decodes to *some* registered Meta.
	stackMeta := block.NewMeta(block.BlockTypeStack, 0, 0, 0)
	stackMeta.NeedsRelocation = true
	h.RegisterBuiltin(block.BlockTypeStack, stackMeta)

	vm := &VM{
		opts:       opts,
		log:        logger,
		heap:       h,
		storage:    storage,
		stack:      s,
		packages:   map[string]*Package{},
		functions:  map[block.Ref]*function.Function{},
		refOf:      map[*function.Function]block.Ref{},
		nextFnRef:  firstFunctionRef,
		classMetas: map[*types.Class]*block.Meta{},
		classOf:    map[*block.Meta]*types.Class{},
	}
	vm.interp = interp.New(h, s, storage, vm, logger)
	return vm
}

// Close releases the VM's heap arena.
func (vm *VM) Close() { vm.heap.Close() }

// Heap returns the VM's Heap, for tests and tooling that need to
// reach below the embedding surface (e.g. forcing a collection).
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Storage returns the VM's root HandleStorage.
func (vm *VM) Storage() *handle.Storage { return vm.storage }

// Stack returns the VM's interpreter Stack.
func (vm *VM) Stack() *stack.Stack { return vm.stack }

// DefaultClassLayout is the Meta used for a loaded class with no
// explicit ClassLayout entry: a single-word, pointer-free instance.
// The concrete layout of any particular built-in class is out of
// scope here; this is the fallback every class gets until a real
// loader supplies one.
func DefaultClassLayout(bt block.BlockType) *block.Meta {
	return block.NewMeta(bt, 1, 0, 0)
}

// Load registers pkg with the VM: verifies its content digest and
// language-version floor, then installs its functions and classes.
func (vm *VM) Load(pkg *Package) error {
	if err := verifyDigest(pkg); err != nil {
		return err
	}
	if !semver.IsValid(pkg.LanguageVersion) {
		return xerrors.Errorf("vm: package %q has invalid language version %q", pkg.Name, pkg.LanguageVersion)
	}
	if semver.Compare(pkg.LanguageVersion, vm.opts.MinLanguageVersion) < 0 {
		return xerrors.Errorf("vm: package %q language version %q is below the supported floor %q",
			pkg.Name, pkg.LanguageVersion, vm.opts.MinLanguageVersion)
	}

	for i, fn := range pkg.Functions {
		fn.OwnerPackage = pkg.Name
		fn.Index = i
		ref := vm.nextFnRef
		vm.nextFnRef++
		vm.functions[ref] = fn
		vm.refOf[fn] = ref
	}

	for i, c := range pkg.Classes {
		bt := block.BlockType(0x40 + i) // classes never alias the small built-in BlockType space
		var meta *block.Meta
		if i < len(pkg.ClassLayouts) && pkg.ClassLayouts[i] != nil {
			meta = pkg.ClassLayouts[i]
		} else {
			meta = DefaultClassLayout(bt)
		}
		vm.heap.RegisterClass(meta)
		vm.classMetas[c] = meta
		vm.classOf[meta] = c
	}

	vm.packages[pkg.Name] = pkg
	return nil
}

// verifyDigest recomputes pkg's content digest and checks it against
// the digest the loader stamped on the Package (see ComputeDigest).
func verifyDigest(pkg *Package) error {
	got, err := ComputeDigest(pkg)
	if err != nil {
		return err
	}
	if got != pkg.Digest {
		return xerrors.Errorf("vm: package %q failed digest verification", pkg.Name)
	}
	return nil
}

// FunctionRef returns the Ref fn was assigned at Load, for callers
// that need to name a loaded function as a handle (e.g. Call).
func (vm *VM) FunctionRef(fn *function.Function) (block.Ref, bool) {
	ref, ok := vm.refOf[fn]
	return ref, ok
}

// Lookup returns the Function registered for a package name and
// package-local index, as loaded by Load.
func (vm *VM) Lookup(pkgName string, index int) (*function.Function, bool) {
	pkg, ok := vm.packages[pkgName]
	if !ok || index < 0 || index >= len(pkg.Functions) {
		return nil, false
	}
	return pkg.Functions[index], true
}

// Call invokes a loaded function synchronously, the VM::call embedding
// entry point: args are passed as raw words (a block.Ref argument is
// its bit pattern), and the result is either a return value or an
// exception handle, never both.
func (vm *VM) Call(fn *function.Function, args ...int64) (interp.Result, error) {
	ref, ok := vm.refOf[fn]
	if !ok {
		return interp.Result{}, xerrors.Errorf("vm: function %q was not loaded", fn.Name)
	}
	return vm.interp.Call(ref, fn, args)
}

// BuiltinClass exposes one of the interpreter's well-known exception
// classes, so a caller assembling a Function's Handlers table can name
// one as a Catch target.
func (vm *VM) BuiltinClass(id interp.BuiltinId) *types.Class { return vm.interp.BuiltinClass(id) }

// --- function.CalleeResolver / stack.PointerMapResolver / interp.Linker plumbing ---

// Function implements interp.Linker: resolves a frame-header Ref back
// to the Function it names.
func (vm *VM) Function(ref block.Ref) *function.Function { return vm.functions[ref] }

// PointerMapFor implements interp.Linker, building (and letting
// Function cache) fn's StackPointerMap against its owning package's
// CalleeResolver.
func (vm *VM) PointerMapFor(fn *function.Function) *function.StackPointerMap {
	pkg := vm.packages[fn.OwnerPackage]
	return fn.PointerMap(pkg.Resolver())
}

// ResolveCallee implements interp.Linker: OpCallG's operand is a
// package-local index into the caller's own owning package, so
// resolution never has to cross a package boundary.
func (vm *VM) ResolveCallee(caller *function.Function, globalIndex int64) (block.Ref, *function.Function) {
	pkg := vm.packages[caller.OwnerPackage]
	callee := pkg.Functions[globalIndex]
	ref, ok := vm.refOf[callee]
	if !ok {
		panic("vm: callee function was never assigned a Ref at Load")
	}
	return ref, callee
}

// MetaForClass implements interp.Linker.
func (vm *VM) MetaForClass(c *types.Class) *block.Meta { return vm.classMetas[c] }

// ClassOf implements interp.Linker.
func (vm *VM) ClassOf(meta *block.Meta) *types.Class { return vm.classOf[meta] }
