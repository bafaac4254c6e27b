package compiler

import (
	"bytes"
	"context"
	"fmt"

	appErr "execbox/pkg/errors"
)

// Preprocessor rewrites source before compilation.
type Preprocessor interface {
	Preprocess(ctx context.Context, source []byte) ([]byte, error)
}

// PreprocessorFunc adapts a function to Preprocessor.
type PreprocessorFunc func(ctx context.Context, source []byte) ([]byte, error)

func (f PreprocessorFunc) Preprocess(ctx context.Context, source []byte) ([]byte, error) {
	return f(ctx, source)
}

// Chain runs preprocessors in order. Any failure is reported as PreprocessFailed.
func Chain(ctx context.Context, source []byte, chain ...Preprocessor) ([]byte, error) {
	out := source
	for i, p := range chain {
		if p == nil {
			continue
		}
		next, err := p.Preprocess(ctx, out)
		if err != nil {
			if appErr.Is(err, appErr.PreprocessFailed) {
				return nil, err
			}
			return nil, appErr.Wrapf(err, appErr.PreprocessFailed, "preprocessor %d failed: %v", i, err)
		}
		out = next
	}
	return out, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// StripBOM removes a leading UTF-8 byte order mark.
func StripBOM() Preprocessor {
	return PreprocessorFunc(func(ctx context.Context, source []byte) ([]byte, error) {
		return bytes.TrimPrefix(source, utf8BOM), nil
	})
}

// NormalizeNewlines rewrites CRLF and lone CR to LF.
func NormalizeNewlines() Preprocessor {
	return PreprocessorFunc(func(ctx context.Context, source []byte) ([]byte, error) {
		out := bytes.ReplaceAll(source, []byte("\r\n"), []byte("\n"))
		return bytes.ReplaceAll(out, []byte("\r"), []byte("\n")), nil
	})
}

// MaxSourceBytes rejects sources larger than n bytes.
func MaxSourceBytes(n int) Preprocessor {
	return PreprocessorFunc(func(ctx context.Context, source []byte) ([]byte, error) {
		if n > 0 && len(source) > n {
			return nil, appErr.New(appErr.PreprocessFailed).
				WithMessage(fmt.Sprintf("source is %d bytes, limit is %d", len(source), n)).
				WithDetail("limit", n)
		}
		return source, nil
	})
}

// Prepend adds a fixed header, e.g. a prelude of imports.
func Prepend(header []byte) Preprocessor {
	return PreprocessorFunc(func(ctx context.Context, source []byte) ([]byte, error) {
		out := make([]byte, 0, len(header)+len(source))
		out = append(out, header...)
		return append(out, source...), nil
	})
}
