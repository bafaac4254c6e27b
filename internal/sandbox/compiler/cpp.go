package compiler

import (
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
)

// The wasm target needs a WASI sysroot (wasi-sdk or wasi-libc).
func cppSpec(tc config.ToolchainConfig) languageSpec {
	return languageSpec{
		lang:       artifact.Cpp,
		sourceFile: "main.cpp",
		order:      []artifact.TargetFormat{artifact.Native, artifact.Wasm},
		targets: map[artifact.TargetFormat]targetSpec{
			artifact.Native: {
				tool:       tc.Clang,
				template:   "{tool} {flags} -o {bin} {src}",
				binaryFile: "main",
			},
			artifact.Wasm: {
				tool:         tc.Clang,
				template:     "{tool} --target=wasm32-wasi --sysroot={sysroot} {flags} -o {bin} {src}",
				binaryFile:   "main.wasm",
				needsSysroot: true,
			},
		},
		optFlags: func(level OptLevel) ([]string, error) {
			c, err := level.levelChar()
			if err != nil || c == "" {
				return nil, err
			}
			return []string{"-O" + c}, nil
		},
	}
}
