package compiler

import (
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
)

func rustSpec(tc config.ToolchainConfig) languageSpec {
	return languageSpec{
		lang:       artifact.Rust,
		sourceFile: "main.rs",
		order:      []artifact.TargetFormat{artifact.Native, artifact.Wasm},
		targets: map[artifact.TargetFormat]targetSpec{
			artifact.Native: {
				tool:       tc.Rustc,
				template:   "{tool} {flags} -o {bin} {src}",
				binaryFile: "main",
			},
			artifact.Wasm: {
				tool:       tc.Rustc,
				template:   "{tool} --target wasm32-wasip1 {flags} -o {bin} {src}",
				binaryFile: "main.wasm",
			},
		},
		defaultFlags: []string{"-C", "codegen-units=1"},
		optFlags: func(level OptLevel) ([]string, error) {
			c, err := level.levelChar()
			if err != nil || c == "" {
				return nil, err
			}
			return []string{"-C", "opt-level=" + c}, nil
		},
	}
}
