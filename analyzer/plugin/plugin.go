// Package plugin registers the analyzer as a golangci-lint module plugin.
package plugin

import (
	"github.com/cschleiden/go-workflowapp/analyzer"
	"github.com/golangci/plugin-module-register/register"
	"golang.org/x/tools/go/analysis"
)

func init() {
	register.Plugin("workflowapp", New)
}

type analyzerPlugin struct{}

func New(any) (register.LinterPlugin, error) {
	return &analyzerPlugin{}, nil
}

func (*analyzerPlugin) BuildAnalyzers() ([]*analysis.Analyzer, error) {
	return []*analysis.Analyzer{analyzer.Analyzer}, nil
}

func (*analyzerPlugin) GetLoadMode() string {
	return register.LoadModeSyntax
}
