package analyzer

import (
	"fmt"
	"go/ast"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = New()

// callbackArgs are the positions of callback arguments of activity.Context methods.
var callbackArgs = map[string][]int{
	"CreateBookmark":   {1},
	"ScheduleActivity": {1, 2},
	"ScheduleDelegate": {2, 3},
}

func New() *analysis.Analyzer {
	a := &analysis.Analyzer{
		Name:     "workflowapp",
		Doc:      "Checks for common errors when writing activities",
		Requires: []*analysis.Analyzer{inspect.Analyzer},
	}

	checkGoroutines := a.Flags.Bool("checkgoroutines", true, "report go statements in activities")

	a.Run = func(pass *analysis.Pass) (interface{}, error) {
		return run(pass, *checkGoroutines)
	}

	return a
}

func run(pass *analysis.Pass, checkGoroutines bool) (interface{}, error) {
	inspector := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.FuncDecl)(nil)}

	inspector.Preorder(nodeFilter, func(node ast.Node) {
		funcDecl := node.(*ast.FuncDecl)

		ctxName, ok := activityContext(funcDecl)
		if !ok || funcDecl.Body == nil {
			return
		}

		recvName := receiver(funcDecl)

		ast.Inspect(funcDecl.Body, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.GoStmt:
				if checkGoroutines {
					pass.Reportf(n.Pos(), "activity contexts are only valid during the call, do not start goroutines in activities")
				}

			case *ast.CallExpr:
				sel, ok := n.Fun.(*ast.SelectorExpr)
				if !ok {
					return true
				}

				if x, ok := sel.X.(*ast.Ident); !ok || x.Name != ctxName {
					return true
				}

				for _, i := range callbackArgs[sel.Sel.Name] {
					if i < len(n.Args) {
						checkCallback(pass, n.Args[i], recvName)
					}
				}
			}

			return true
		})
	})

	return nil, nil
}

// checkCallback reports callbacks that cannot be bound again when an instance is loaded.
func checkCallback(pass *analysis.Pass, arg ast.Expr, recvName string) {
	switch arg := arg.(type) {
	case *ast.Ident:
		if arg.Name != "nil" {
			pass.Reportf(arg.Pos(), "callback %s must be an exported method of the activity", arg.Name)
		}

	case *ast.FuncLit:
		pass.Reportf(arg.Pos(), "callbacks must be exported methods of the activity, not function literals")

	case *ast.SelectorExpr:
		name := selectorName(arg)

		if !arg.Sel.IsExported() {
			pass.Reportf(arg.Pos(), "callback %s must be an exported method of the activity", arg.Sel.Name)
			return
		}

		if x, ok := arg.X.(*ast.Ident); recvName != "" && (!ok || x.Name != recvName) {
			pass.Reportf(arg.Pos(), "callback %s is not a method of the activity", name)
		}

	default:
		pass.Reportf(arg.Pos(), "callback must be an exported method of the activity")
	}
}

func selectorName(sel *ast.SelectorExpr) string {
	if x, ok := sel.X.(*ast.Ident); ok {
		return fmt.Sprintf("%s.%s", x.Name, sel.Sel.Name)
	}

	return sel.Sel.Name
}

// activityContext returns the name of the activity.Context parameter if it is the first parameter of funcDecl.
func activityContext(funcDecl *ast.FuncDecl) (string, bool) {
	params := funcDecl.Type.Params.List

	if len(params) < 1 {
		return "", false
	}

	firstParam, ok := params[0].Type.(*ast.SelectorExpr)
	if !ok {
		return "", false
	}

	xname, ok := firstParam.X.(*ast.Ident)
	if !ok {
		return "", false
	}

	if xname.Name+"."+firstParam.Sel.Name != "activity.Context" {
		return "", false
	}

	if len(params[0].Names) == 0 || params[0].Names[0].Name == "_" {
		return "", false
	}

	return params[0].Names[0].Name, true
}

func receiver(funcDecl *ast.FuncDecl) string {
	if funcDecl.Recv == nil || len(funcDecl.Recv.List) == 0 || len(funcDecl.Recv.List[0].Names) == 0 {
		return ""
	}

	return funcDecl.Recv.List[0].Names[0].Name
}
