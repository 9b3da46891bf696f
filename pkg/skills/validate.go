// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package skills stores user-authored tools and executes them in a
// restricted interpreter, or in an external sandbox for riskier code.
package skills

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"
)

// EntryPoint is the function every skill must define:
// func Run(args map[string]interface{}) (interface{}, error)
const EntryPoint = "Run"

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// blockedImports are module prefixes a skill may never touch: process
// control, filesystem, network, linker, and meta-object access.
var blockedImports = []string{
	"os",
	"os/exec",
	"syscall",
	"net",
	"unsafe",
	"plugin",
	"reflect",
	"runtime",
	"io/ioutil",
	"path/filepath",
}

// ValidateName enforces snake_case identifiers so skill names slot directly
// into the tool registry.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid skill name %q: must match %s", name, nameRe.String())
	}
	return nil
}

// Screen statically analyzes skill source. It parses the file (the syntax
// probe), rejects blocked imports, and requires the Run entry point.
func Screen(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", code, parser.AllErrors)
	if err != nil {
		return fmt.Errorf("skill does not parse: %w", err)
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("malformed import %s", imp.Path.Value)
		}
		if blocked(path) {
			return fmt.Errorf("import %q is not allowed in skills", path)
		}
	}

	hasRun := false
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		if fn.Name.Name == EntryPoint && fn.Recv == nil {
			hasRun = true
		}
	}
	if !hasRun {
		return fmt.Errorf("skill must define func %s(args map[string]interface{}) (interface{}, error)", EntryPoint)
	}

	return screenIdents(file)
}

// screenIdents rejects identifier-level escape hatches the import check
// cannot see, such as aliased references smuggled through go:linkname-free
// code that still names the blocked packages.
func screenIdents(file *ast.File) error {
	var violation error
	ast.Inspect(file, func(n ast.Node) bool {
		if violation != nil {
			return false
		}
		sel, ok := n.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		switch ident.Name {
		case "unsafe", "syscall", "reflect", "plugin":
			violation = fmt.Errorf("reference to %s.%s is not allowed in skills", ident.Name, sel.Sel.Name)
			return false
		}
		return true
	})
	return violation
}

func blocked(importPath string) bool {
	for _, prefix := range blockedImports {
		if importPath == prefix || strings.HasPrefix(importPath, prefix+"/") {
			return true
		}
	}
	return false
}
