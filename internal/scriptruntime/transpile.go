package scriptruntime

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// transpile converts a handler source file to a CommonJS module body that
// goja (which only understands ES5-ish syntax plus whatever goja_nodejs'
// require shims provide) can evaluate. TypeScript, JSX and TSX sources are
// transpiled; JavaScript and JSON pass through essentially unchanged, per
// spec.md §4.3.
func transpile(path string, src []byte) (string, error) {
	loader, ok := loaderFor(path)
	if !ok {
		return "", fmt.Errorf("unsupported handler source extension: %s", filepath.Ext(path))
	}

	result := api.Transform(string(src), api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Sourcemap:  api.SourceMapNone,
		Sourcefile: path,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Text
		}
		return "", fmt.Errorf("transpiling %s: %s", path, strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

func loaderFor(path string) (api.Loader, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return api.LoaderTS, true
	case ".tsx":
		return api.LoaderTSX, true
	case ".jsx":
		return api.LoaderJSX, true
	case ".js", ".mjs", ".cjs":
		return api.LoaderJS, true
	case ".json":
		return api.LoaderJSON, true
	default:
		return api.LoaderJS, false
	}
}

// exportNameFor derives the handler factory's expected export identifier
// from a file stem: kebab-case becomes lowerCamelCase with a Handler suffix,
// e.g. "brazil-build" -> "brazilBuildHandler" (spec.md §4.3).
func exportNameFor(stem string) string {
	parts := strings.Split(stem, "-")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(strings.ToLower(p))
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		if len(p) > 1 {
			b.WriteString(strings.ToLower(p[1:]))
		}
	}
	b.WriteString("Handler")
	return b.String()
}
