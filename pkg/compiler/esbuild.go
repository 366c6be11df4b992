package compiler

import (
	"fmt"
	"path"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// allowedBareImports is the fixed set of npm packages a capsule may
// import. Allowed specifiers are marked external and resolved by the
// sandbox loader's import map; everything else fails the compile.
var allowedBareImports = map[string]bool{
	"react":     true,
	"react-dom": true,
	"three":     true,
	"d3":        true,
	"lodash":    true,
	"zustand":   true,
}

const capsuleNamespace = "capsule"

// unsupportedImportPrefix tags resolver errors so bundler diagnostics
// can be mapped back to a typed compile error.
const unsupportedImportPrefix = "unsupported import: "

// bundleJSX bundles a react-jsx capsule from in-memory sources. Returns
// the bundled output and the bundler warning count.
func bundleJSX(entry string, sources map[string][]byte) ([]byte, int, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Outdir:      "out",
		Format:      esbuild.FormatESModule,
		Platform:    esbuild.PlatformBrowser,
		Target:      esbuild.ES2017,
		JSX:         esbuild.JSXAutomatic,
		TreeShaking: esbuild.TreeShakingTrue,
		Plugins:     []esbuild.Plugin{sourcePlugin(sources)},
	})

	if len(result.Errors) > 0 {
		return nil, len(result.Warnings), compileErrorFromDiagnostics(result.Errors)
	}

	for _, file := range result.OutputFiles {
		if strings.HasSuffix(file.Path, ".js") {
			return file.Contents, len(result.Warnings), nil
		}
	}
	return nil, len(result.Warnings), &CompileError{Code: CodeBundlerError, Detail: "bundler produced no output"}
}

// sourcePlugin serves bundle files from memory and enforces the bare
// import allowlist.
func sourcePlugin(sources map[string][]byte) esbuild.Plugin {
	return esbuild.Plugin{
		Name: "capsule-sources",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
				if args.Kind == esbuild.ResolveEntryPoint {
					return esbuild.OnResolveResult{Path: args.Path, Namespace: capsuleNamespace}, nil
				}

				if strings.HasPrefix(args.Path, "./") || strings.HasPrefix(args.Path, "../") {
					resolved := path.Join(path.Dir(args.Importer), args.Path)
					if strings.HasPrefix(resolved, "../") {
						return esbuild.OnResolveResult{}, fmt.Errorf("import %q escapes the bundle root", args.Path)
					}
					return esbuild.OnResolveResult{Path: resolved, Namespace: capsuleNamespace}, nil
				}

				if allowedBareImport(args.Path) {
					return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
				}
				return esbuild.OnResolveResult{}, fmt.Errorf("%s%q", unsupportedImportPrefix, args.Path)
			})

			build.OnLoad(esbuild.OnLoadOptions{Filter: ".*", Namespace: capsuleNamespace}, func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
				data, ok := resolveSource(sources, args.Path)
				if !ok {
					return esbuild.OnLoadResult{}, fmt.Errorf("file %q not found in bundle", args.Path)
				}
				if len(data) > MaxSourceBytes {
					return esbuild.OnLoadResult{}, fmt.Errorf("file %q exceeds %d bytes", args.Path, int64(MaxSourceBytes))
				}
				contents := string(data)
				loader := loaderFor(args.Path)
				return esbuild.OnLoadResult{Contents: &contents, Loader: loader}, nil
			})
		},
	}
}

// resolveSource finds a bundle file by path, trying the usual
// extension-less import forms.
func resolveSource(sources map[string][]byte, p string) ([]byte, bool) {
	if data, ok := sources[p]; ok {
		return data, true
	}
	for _, ext := range []string{".js", ".jsx", ".ts", ".tsx", ".json"} {
		if data, ok := sources[p+ext]; ok {
			return data, true
		}
	}
	for _, ext := range []string{".js", ".jsx", ".ts", ".tsx"} {
		if data, ok := sources[p+"/index"+ext]; ok {
			return data, true
		}
	}
	return nil, false
}

// allowedBareImport accepts an allowlisted package or one of its
// subpaths ("react-dom/client", "react/jsx-runtime").
func allowedBareImport(specifier string) bool {
	root := specifier
	if i := strings.Index(specifier, "/"); i >= 0 {
		// Scoped packages would need the second segment, but none are
		// allowlisted.
		root = specifier[:i]
	}
	return allowedBareImports[root]
}

func loaderFor(p string) esbuild.Loader {
	switch strings.ToLower(path.Ext(p)) {
	case ".jsx":
		return esbuild.LoaderJSX
	case ".ts":
		return esbuild.LoaderTS
	case ".tsx":
		return esbuild.LoaderTSX
	case ".json":
		return esbuild.LoaderJSON
	case ".css":
		return esbuild.LoaderCSS
	case ".svg", ".txt", ".html":
		return esbuild.LoaderText
	default:
		return esbuild.LoaderJS
	}
}

// compileErrorFromDiagnostics maps esbuild diagnostics to a typed
// compile error, preferring the import allowlist violation when present.
func compileErrorFromDiagnostics(diags []esbuild.Message) error {
	for _, d := range diags {
		if strings.Contains(d.Text, unsupportedImportPrefix) {
			detail := d.Text
			if i := strings.Index(detail, unsupportedImportPrefix); i >= 0 {
				detail = detail[i+len(unsupportedImportPrefix):]
			}
			return &CompileError{Code: CodeUnsupportedImport, Detail: detail}
		}
		if strings.Contains(d.Text, "exceeds") {
			return &CompileError{Code: CodeOversize, Detail: d.Text}
		}
	}
	if len(diags) > 0 {
		return &CompileError{Code: CodeBundlerError, Detail: diags[0].Text}
	}
	return &CompileError{Code: CodeBundlerError}
}
