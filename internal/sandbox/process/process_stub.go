//go:build !linux

package process

import (
	"context"
	"fmt"
)

// Run is only implemented on linux.
func Run(ctx context.Context, spec Spec) (Result, error) {
	return Result{}, fmt.Errorf("process execution is only supported on linux")
}
