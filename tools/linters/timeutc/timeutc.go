// Package timeutc flags time.Now() calls that are not immediately normalized
// with .UTC(). Persisted timestamps and lease arithmetic assume UTC; a naked
// time.Now() silently carries the host timezone into comparisons.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

const message = "time.Now() should be followed by .UTC() for timezone consistency"

// Analyzer reports time.Now() calls without an immediate .UTC().
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "checks for time.Now() calls without .UTC() to ensure timezone consistency",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		normalized := make(map[*ast.CallExpr]bool)

		// Collect every time.Now() that is the receiver of a .UTC() chain.
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				normalized[call] = true
			}
			return true
		})

		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || normalized[call] {
				return true
			}
			if suppressed(pass, file, call) {
				return true
			}
			pass.Reportf(call.Pos(), "%s", message)
			return true
		})
	}
	return nil, nil
}

func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "time"
}

// suppressed honors //nolint and //nolint:timeutc comments on the call's line
// or the line above it.
func suppressed(pass *analysis.Pass, file *ast.File, call *ast.CallExpr) bool {
	line := pass.Fset.Position(call.Pos()).Line
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			commentLine := pass.Fset.Position(comment.Pos()).Line
			if commentLine != line && commentLine != line-1 {
				continue
			}
			text := comment.Text
			if !strings.Contains(text, "nolint") {
				continue
			}
			if !strings.Contains(text, ":") || strings.Contains(text, "timeutc") {
				return true
			}
		}
	}
	return false
}
