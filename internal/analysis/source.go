package analysis

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"

	"plugin-warden/internal/policy"
)

// Finding weights for source analysis. The counted fold scores by
// finding count, so these matter for reporting, not for the score.
const (
	weightParseFailure   = 100
	weightBlockedImport  = 20
	weightUnlistedImport = 5
	weightDangerousCall  = 10
	weightFilesystemCall = 15
	weightNetworkImport  = 15
	weightProcessCall    = 20
)

// Calls that reach the interpreter's own machinery. All of them let a
// plugin construct behavior that static analysis cannot see.
var dangerousCalls = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"__import__": true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"globals":    true,
	"locals":     true,
	"vars":       true,
}

// Modules whose import implies network capability.
var networkImports = map[string]bool{
	"socket":       true,
	"http":         true,
	"urllib":       true,
	"requests":     true,
	"ftplib":       true,
	"smtplib":      true,
	"telnetlib":    true,
	"xmlrpc":       true,
	"socketserver": true,
	"paramiko":     true,
}

// SourceAnalyzer statically analyzes Python source against a policy.
// It never executes the artifact.
type SourceAnalyzer struct {
	scoring ScoringConfig
}

func NewSourceAnalyzer(scoring ScoringConfig) *SourceAnalyzer {
	return &SourceAnalyzer{scoring: scoring.withDefaults()}
}

func (a *SourceAnalyzer) Analyze(path string, pol policy.SecurityPolicy) (Result, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- path is the registry-owned artifact copy
	if err != nil {
		return Result{}, fmt.Errorf("read artifact: %w", err)
	}
	return a.AnalyzeSource(src, pol), nil
}

// AnalyzeSource analyzes Python source held in memory. Parse failures
// are a verdict, not an error: code we cannot parse is code we cannot
// vet.
func (a *SourceAnalyzer) AnalyzeSource(src []byte, pol policy.SecurityPolicy) Result {
	text := string(src)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	tree, err := parser.ParseString(text, py.ExecMode)
	if err != nil {
		f := Finding{
			Category: CategoryParse,
			Severity: SeverityError,
			Weight:   weightParseFailure,
			Message:  fmt.Sprintf("Syntax error: %v", err),
		}
		return Result{RiskScore: weightParseFailure, Errors: []string{f.Message}, Findings: []Finding{f}}
	}

	v := newSourceVisitor(pol)
	ast.Walk(tree, v.visit)
	return foldCounted(v.findings, a.scoring)
}

type sourceVisitor struct {
	pol      policy.SecurityPolicy
	blocked  map[string]bool
	allowed  map[string]bool // nil when the policy carries no allow list
	findings []Finding
}

func newSourceVisitor(pol policy.SecurityPolicy) *sourceVisitor {
	v := &sourceVisitor{pol: pol, blocked: make(map[string]bool, len(pol.BlockedImports))}
	for _, name := range pol.BlockedImports {
		v.blocked[name] = true
	}
	if pol.AllowedImports != nil {
		v.allowed = make(map[string]bool, len(pol.AllowedImports))
		for _, name := range pol.AllowedImports {
			v.allowed[name] = true
		}
	}
	return v
}

func (v *sourceVisitor) add(f Finding) {
	v.findings = append(v.findings, f)
}

func (v *sourceVisitor) visit(node ast.Ast) bool {
	switch n := node.(type) {
	case *ast.Import:
		for _, alias := range n.Names {
			v.checkImport(string(alias.Name), n.Lineno)
		}
	case *ast.ImportFrom:
		// Relative imports stay inside the artifact; only absolute
		// module names touch the interpreter's import machinery.
		if n.Level == 0 && n.Module != "" {
			v.checkImport(string(n.Module), n.Lineno)
		}
	case *ast.Call:
		v.checkCall(n)
	}
	return true
}

func (v *sourceVisitor) checkImport(name string, line int) {
	root := name
	if i := strings.IndexByte(root, '.'); i >= 0 {
		root = root[:i]
	}
	switch {
	case v.blocked[root]:
		v.add(Finding{
			Category: CategoryImport,
			Severity: SeverityError,
			Weight:   weightBlockedImport,
			Message:  fmt.Sprintf("Blocked import: %s", root),
			Line:     line,
		})
	case !v.pol.AllowNetwork && networkImports[root]:
		v.add(Finding{
			Category: CategoryNetwork,
			Severity: SeverityWarning,
			Weight:   weightNetworkImport,
			Message:  fmt.Sprintf("Network-capable import: %s", root),
			Line:     line,
		})
	case v.allowed != nil && !v.allowed[root]:
		v.add(Finding{
			Category: CategoryImport,
			Severity: SeverityWarning,
			Weight:   weightUnlistedImport,
			Message:  fmt.Sprintf("Import not in allow list: %s", root),
			Line:     line,
		})
	}
}

func (v *sourceVisitor) checkCall(call *ast.Call) {
	switch fn := call.Func.(type) {
	case *ast.Name:
		id := string(fn.Id)
		switch {
		case dangerousCalls[id]:
			v.add(Finding{
				Category: CategoryCall,
				Severity: SeverityWarning,
				Weight:   weightDangerousCall,
				Message:  fmt.Sprintf("Dangerous call: %s", id),
				Line:     call.Lineno,
			})
		case id == "open" && !v.pol.AllowFilesystem:
			v.add(Finding{
				Category: CategoryFilesystem,
				Severity: SeverityWarning,
				Weight:   weightFilesystemCall,
				Message:  "Filesystem access: open",
				Line:     call.Lineno,
			})
		}
	case *ast.Attribute:
		base, ok := fn.Value.(*ast.Name)
		if !ok {
			return
		}
		mod, attr := string(base.Id), string(fn.Attr)
		full := mod + "." + attr
		switch {
		case isProcessCall(mod, attr):
			v.add(Finding{
				Category: CategoryProcess,
				Severity: SeverityWarning,
				Weight:   weightProcessCall,
				Message:  fmt.Sprintf("Process execution: %s", full),
				Line:     call.Lineno,
			})
		case !v.pol.AllowFilesystem && isFilesystemCall(mod, attr):
			v.add(Finding{
				Category: CategoryFilesystem,
				Severity: SeverityWarning,
				Weight:   weightFilesystemCall,
				Message:  fmt.Sprintf("Filesystem access: %s", full),
				Line:     call.Lineno,
			})
		}
	}
}

func isProcessCall(mod, attr string) bool {
	switch mod {
	case "subprocess":
		return true
	case "os":
		switch attr {
		case "system", "popen", "fork", "forkpty", "kill", "killpg":
			return true
		}
		return strings.HasPrefix(attr, "exec") || strings.HasPrefix(attr, "spawn")
	case "pty":
		return attr == "spawn"
	}
	return false
}

func isFilesystemCall(mod, attr string) bool {
	switch mod {
	case "shutil", "pathlib":
		return true
	case "os":
		switch attr {
		case "open", "remove", "unlink", "rmdir", "removedirs",
			"mkdir", "makedirs", "rename", "renames", "replace",
			"truncate", "chmod", "chown", "listdir", "scandir", "walk",
			"symlink", "link":
			return true
		}
	}
	return false
}
