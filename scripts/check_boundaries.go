package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/secretflow/secretpad-sub000"

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

// layerRule lists what a layer of one context module may import besides the
// standard library. thirdParty reports whether external modules are allowed.
type layerRule struct {
	allowed    []string
	forbidden  []string
	thirdParty bool
}

func rulesFor(modulePrefix string) map[string]layerRule {
	runtime := []string{modulePath + "/internal", modulePath + "/cmd"}
	return map[string]layerRule{
		"domain": {
			allowed:   []string{modulePrefix + "/domain"},
			forbidden: runtime,
		},
		"ports": {
			allowed:   []string{modulePrefix + "/domain", modulePath + "/contracts"},
			forbidden: runtime,
		},
		"application": {
			allowed: []string{
				modulePrefix + "/application",
				modulePrefix + "/domain",
				modulePrefix + "/ports",
				modulePath + "/contracts",
			},
			forbidden: runtime,
		},
		"transport": {
			allowed:   []string{modulePrefix + "/transport"},
			forbidden: runtime,
		},
		"adapters": {
			allowed: []string{
				modulePrefix + "/application",
				modulePrefix + "/domain",
				modulePrefix + "/ports",
				modulePrefix + "/transport",
				modulePath + "/contracts",
			},
			forbidden:  runtime,
			thirdParty: true,
		},
	}
}

func main() {
	violations := collectViolations("contexts")
	if len(violations) == 0 {
		fmt.Println("boundary checks passed")
		return
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File == violations[j].File {
			if violations[i].Line == violations[j].Line {
				return violations[i].Import < violations[j].Import
			}
			return violations[i].Line < violations[j].Line
		}
		return violations[i].File < violations[j].File
	})

	fmt.Println("boundary violations found:")
	for _, v := range violations {
		fmt.Printf("- %s:%d imports %q (%s)\n", v.File, v.Line, v.Import, v.Rule)
	}
	os.Exit(1)
}

func collectViolations(root string) []violation {
	var violations []violation

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		normalized := filepath.ToSlash(path)
		parts := strings.Split(normalized, "/")
		if len(parts) < 4 || parts[0] != "contexts" {
			return nil
		}

		modulePrefix := fmt.Sprintf("%s/contexts/%s/%s", modulePath, parts[1], parts[2])
		layer := parts[3]
		adapter := ""
		if layer == "adapters" && len(parts) > 5 {
			adapter = parts[4]
		}
		violations = append(violations, validateFile(path, normalized, layer, adapter, modulePrefix)...)
		return nil
	})

	return violations
}

func validateFile(path string, normalizedPath string, layer string, adapter string, modulePrefix string) []violation {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
	if err != nil {
		return []violation{{File: normalizedPath, Line: 1, Rule: "file must parse"}}
	}

	rule, scoped := rulesFor(modulePrefix)[layer]
	var violations []violation
	report := func(line int, importPath string, reason string) {
		violations = append(violations, violation{
			File:   normalizedPath,
			Line:   line,
			Import: importPath,
			Rule:   reason,
		})
	}

	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, "\"")
		line := fset.Position(imp.Pos()).Line

		if hasPrefix(importPath, modulePath+"/contexts") && !hasPrefix(importPath, modulePrefix) {
			report(line, importPath, "cross-module imports are forbidden")
		}
		if !scoped || isStdlib(importPath) {
			continue
		}
		if isAllowed(importPath, rule.forbidden) {
			report(line, importPath, layer+" must not import runtime infrastructure")
			continue
		}
		if adapter != "" && hasPrefix(importPath, modulePrefix+"/adapters") &&
			!hasPrefix(importPath, modulePrefix+"/adapters/"+adapter) {
			report(line, importPath, "adapters must not import each other")
			continue
		}
		if hasPrefix(importPath, modulePath) {
			if !isAllowed(importPath, rule.allowed) && !hasPrefix(importPath, modulePrefix+"/adapters/"+adapter) {
				report(line, importPath, layer+" import is outside explicit allowlist")
			}
			continue
		}
		if !rule.thirdParty {
			report(line, importPath, layer+" must stay free of third-party modules")
		}
	}

	return violations
}

func hasPrefix(path string, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func isAllowed(importPath string, allowedPrefixes []string) bool {
	for _, p := range allowedPrefixes {
		if hasPrefix(importPath, p) {
			return true
		}
	}
	return false
}

func isStdlib(importPath string) bool {
	if hasPrefix(importPath, modulePath) {
		return false
	}
	first := importPath
	if idx := strings.Index(first, "/"); idx != -1 {
		first = first[:idx]
	}
	return !strings.Contains(first, ".")
}
