// Package bringup plants the initial state of a tiled system in
// simulated memory: page tables, boot modules, and the kernel
// environment.
package bringup

import (
	"path"
	"strings"
)

// DefaultSeparators split the boot command line into nesting levels.
var DefaultSeparators = []string{"--", "++"}

// A Module is one boot module with the program arguments that belong to
// it.
type Module struct {
	Name string
	Args string
}

// IsKernelArg tells whether a token binds to the enclosing kernel
// instead of the program.
func IsKernelArg(arg string) bool {
	if arg == "daemon" {
		return true
	}
	for _, prefix := range []string{"requires=", "core=", "pes=", "repeat="} {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

// Argc counts the whitespace-separated tokens of the command line.
func Argc(commandLine string) int {
	return len(strings.Fields(commandLine))
}

// ExtractModules parses the boot command line. The first token is the
// kernel binary, whose directory all modules are loaded from. The
// remaining tokens are split at each occurrence of the level separator
// into groups; each group's first token is the program name and the
// rest are its arguments, except for kernel arguments, which bind to
// the enclosing kernel (pes= and repeat= are retained for kernels).
// Nested kernel command lines are parsed recursively with the next
// separator, and duplicate module names are kept only once.
func ExtractModules(
	commandLine string,
	separators []string,
) (kernelPath string, mods []Module) {
	tokens := strings.Fields(commandLine)
	if len(tokens) == 0 {
		return "", nil
	}

	kernelPath = path.Dir(tokens[0])

	extractModules(tokens[1:], separators, 0, &mods)
	return kernelPath, mods
}

func extractModules(
	tokens []string,
	separators []string,
	lvl int,
	mods *[]Module,
) {
	separator := separators[len(separators)-1]
	if lvl < len(separators) {
		separator = separators[lvl]
	}

	prog := ""
	argstr := ""

	flush := func() {
		// kernels bring their own modules; collect them as well
		if strings.HasPrefix(prog, "kernel") {
			extractModules(strings.Fields(argstr), separators, lvl+1, mods)
		}
		if prog != "" && !containsModule(*mods, prog) {
			*mods = append(*mods, Module{Name: prog, Args: argstr})
		}
		prog = ""
		argstr = ""
	}

	appendArg := func(arg string) {
		if argstr != "" {
			argstr += " "
		}
		argstr += arg
	}

	for _, token := range tokens {
		switch {
		case token == separator:
			flush()

		case strings.HasPrefix(token, "pes="):
			appendArg(token)

		case strings.HasPrefix(token, "repeat=") &&
			strings.HasPrefix(prog, "kernel"):
			appendArg(token)

		case prog == "":
			prog = token

		case !IsKernelArg(token):
			appendArg(token)
		}
	}

	flush()
}

func containsModule(mods []Module, name string) bool {
	for _, mod := range mods {
		if mod.Name == name {
			return true
		}
	}
	return false
}
