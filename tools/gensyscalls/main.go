// Command gensyscalls regenerates the symbolic syscall-number table a
// hosted user program links against, by introspecting the constants
// kernel/syscall declares (spec.md §4.7) rather than hand-copying
// them into a second location that could drift. Invoked via
// `go:generate` from kernel/syscall/syscall.go.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/constant"
	"go/token"
	"go/types"
	"log"
	"os"
	"sort"
	"text/template"

	"golang.org/x/tools/go/packages"
)

var (
	outPath = flag.String("out", "syscalls_generated.go", "output file path")
	pkgPath = flag.String("pkg", "rvkernel/kernel/syscall", "package to introspect")
)

type entry struct {
	Name   string // e.g. "PutChar"
	Number int64
}

func main() {
	flag.Parse()

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedTypesInfo | packages.NeedSyntax,
	}
	pkgs, err := packages.Load(cfg, *pkgPath)
	if err != nil {
		log.Fatalf("gensyscalls: loading %s: %v", *pkgPath, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		log.Fatalf("gensyscalls: package %s has errors", *pkgPath)
	}
	if len(pkgs) != 1 {
		log.Fatalf("gensyscalls: expected exactly one package, got %d", len(pkgs))
	}
	pkg := pkgs[0]

	entries, err := collectSyscallConsts(pkg)
	if err != nil {
		log.Fatal(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Entries []entry
	}{entries}); err != nil {
		log.Fatalf("gensyscalls: rendering template: %v", err)
	}

	if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
		log.Fatalf("gensyscalls: writing %s: %v", *outPath, err)
	}
}

// collectSyscallConsts walks the package's syntax trees for top-level
// const declarations named Sys*, resolving each identifier's constant
// value through the type-checker rather than re-parsing integer
// literals by hand (a const block may use iota or arithmetic).
func collectSyscallConsts(pkg *packages.Package) ([]entry, error) {
	var out []entry
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.CONST {
				continue
			}
			for _, spec := range gd.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, name := range vs.Names {
					if !hasSysPrefix(name.Name) {
						continue
					}
					obj, ok := pkg.TypesInfo.Defs[name]
					if !ok {
						continue
					}
					c, ok := obj.(*types.Const)
					if !ok {
						continue
					}
					if c.Val().Kind() != constant.Int {
						continue
					}
					n, ok := constant.Int64Val(c.Val())
					if !ok {
						return nil, fmt.Errorf("gensyscalls: %s is not representable as int64", name.Name)
					}
					out = append(out, entry{Name: name.Name[len("Sys"):], Number: n})
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("gensyscalls: found no Sys* constants in %s", pkg.PkgPath)
	}
	return out, nil
}

func hasSysPrefix(name string) bool {
	return len(name) > len("Sys") && name[:len("Sys")] == "Sys"
}

var tmpl = template.Must(template.New("syscalls").Parse(`// Code generated by tools/gensyscalls from kernel/syscall's Sys*
// constants. DO NOT EDIT.

package userabi

// Syscall is a symbolic name for a syscall number, for hosted
// programs that want names instead of bare integers.
type Syscall uint64

const (
{{- range .Entries}}
	{{.Name}} Syscall = {{.Number}}
{{- end}}
)

// Names maps every syscall number back to its symbolic name.
var Names = map[Syscall]string{
{{- range .Entries}}
	{{.Name}}: {{printf "%q" .Name}},
{{- end}}
}
`))
