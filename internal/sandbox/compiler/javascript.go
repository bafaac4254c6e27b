package compiler

import (
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
)

// Native JavaScript runs under node; the wasm target embeds QuickJS through javy.
func javascriptSpec(tc config.ToolchainConfig) languageSpec {
	return languageSpec{
		lang:       artifact.JavaScript,
		sourceFile: "main.js",
		order:      []artifact.TargetFormat{artifact.Native, artifact.Wasm},
		targets: map[artifact.TargetFormat]targetSpec{
			artifact.Native: {
				tool:     tc.Node,
				template: "{tool} --check {src}",
				script:   true,
			},
			artifact.Wasm: {
				tool:       tc.Javy,
				template:   "{tool} compile {flags} -o {bin} {src}",
				binaryFile: "main.wasm",
			},
		},
	}
}
