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

package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedPackages is the interpreter's import surface. Everything else is
// absent from the symbol table, so even code that slips past the static
// screen cannot resolve it.
var allowedPackages = map[string]bool{
	"encoding/json": true,
	"fmt":           true,
	"errors":        true,
	"math":          true,
	"regexp":        true,
	"strings":       true,
	"strconv":       true,
	"sort":          true,
	"time":          true,
	"unicode":       true,
	"unicode/utf8":  true,
}

const defaultEvalTimeout = 30 * time.Second

// Evaluator runs skill code in a yaegi interpreter restricted to the
// whitelisted standard packages.
type Evaluator struct {
	symbols map[string]map[string]reflect.Value
	timeout time.Duration
}

func NewEvaluator() *Evaluator {
	symbols := make(map[string]map[string]reflect.Value)
	for key, pkg := range stdlib.Symbols {
		if idx := strings.LastIndex(key, "/"); idx > 0 && allowedPackages[key[:idx]] {
			symbols[key] = pkg
		}
	}
	return &Evaluator{symbols: symbols, timeout: defaultEvalTimeout}
}

// Probe loads the code into a fresh interpreter and resolves the entry
// point without calling it. Used at create_skill time.
func (e *Evaluator) Probe(code string) error {
	_, err := e.load(code)
	return err
}

type evalResult struct {
	output string
	err    error
}

// Execute runs the skill's entry point with the given arguments. Yaegi
// cannot be preempted, so a timed-out evaluation is abandoned in its
// goroutine and the caller gets a structured failure.
func (e *Evaluator) Execute(ctx context.Context, code string, args map[string]any) (string, error) {
	run, err := e.load(code)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- evalResult{err: fmt.Errorf("skill panicked: %v", r)}
			}
		}()
		value, err := run(args)
		if err != nil {
			resultCh <- evalResult{err: err}
			return
		}
		resultCh <- evalResult{output: stringify(value)}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("skill evaluation timed out after %s", e.timeout)
	case res := <-resultCh:
		return res.output, res.err
	}
}

// load evaluates the source in a fresh restricted interpreter and returns
// the typed entry point.
func (e *Evaluator) load(code string) (func(map[string]any) (any, error), error) {
	pkgName, err := packageName(code)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("loading restricted symbols: %w", err)
	}
	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("skill does not compile: %w", err)
	}

	entry, err := i.Eval(pkgName + "." + EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("entry point %s not found: %w", EntryPoint, err)
	}
	run, ok := entry.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("%s must have signature func(map[string]interface{}) (interface{}, error)", EntryPoint)
	}
	return run, nil
}

func packageName(code string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "skill.go", code, parser.PackageClauseOnly)
	if err != nil {
		return "", fmt.Errorf("skill does not parse: %w", err)
	}
	return file.Name.Name, nil
}

// stringify renders a skill's return value: JSON when it marshals cleanly,
// Go formatting otherwise.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	if data, err := json.Marshal(value); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", value)
}
