package compiler

import (
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/config"
)

// Python artifacts are the checked script, run by the resolved interpreter.
func pythonSpec(tc config.ToolchainConfig) languageSpec {
	return languageSpec{
		lang:       artifact.Python,
		sourceFile: "main.py",
		order:      []artifact.TargetFormat{artifact.Native},
		targets: map[artifact.TargetFormat]targetSpec{
			artifact.Native: {
				tool:     tc.Python,
				template: "{tool} -B -m py_compile {src}",
				script:   true,
			},
		},
		interpFlags: func(level OptLevel) []string {
			switch level {
			case OptSpeed, Opt1:
				return []string{"-O"}
			case OptSize, Opt2, Opt3:
				return []string{"-OO"}
			default:
				return nil
			}
		},
	}
}
