package controller

import (
	"context"
	"math"
	"strings"
	"time"

	"execbox/internal/sandbox"
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/compiler"
	"execbox/internal/sandbox/result"
	"execbox/internal/sandbox/runtime"
	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Executor is the part of sandbox.Service the HTTP layer uses.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (result.ExecutionResult, error)
	Languages() []sandbox.LanguageInfo
	Runtimes() []runtime.Kind
}

// Options controls what callers may request.
type Options struct {
	// AllowExtraFlags permits caller-supplied compiler flags.
	AllowExtraFlags bool
	// AllowNative permits the unconfined native runtime.
	AllowNative bool
	// MaxLimits caps the limits a caller may ask for. Zero fields are uncapped.
	MaxLimits spec.ExecutionLimits
}

// maxWallTimeMs is the largest wall time that fits in a time.Duration.
const maxWallTimeMs = math.MaxInt64 / int64(time.Millisecond)

// ExecController handles execution endpoints.
type ExecController struct {
	exec Executor
	opts Options
}

// NewExecController creates a new ExecController.
func NewExecController(exec Executor, opts Options) *ExecController {
	return &ExecController{exec: exec, opts: opts}
}

// Run compiles and runs one program.
func (h *ExecController) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	execReq, err := h.toExecuteRequest(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	res, err := h.exec.Execute(c.Request.Context(), execReq)
	if err != nil {
		// Compile diagnostics travel in the error details.
		response.Error(c, err)
		return
	}
	response.Success(c, toRunResponse(res))
}

// Languages lists languages, targets and runtimes.
func (h *ExecController) Languages(c *gin.Context) {
	langs := h.exec.Languages()
	items := make([]LanguageItem, 0, len(langs))
	for _, l := range langs {
		targets := make([]string, 0, len(l.Targets))
		for _, t := range l.Targets {
			targets = append(targets, string(t))
		}
		items = append(items, LanguageItem{Language: string(l.Language), Targets: targets})
	}
	kinds := h.exec.Runtimes()
	runtimes := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if k == runtime.Native && !h.opts.AllowNative {
			continue
		}
		runtimes = append(runtimes, string(k))
	}
	response.Success(c, LanguagesResponse{Languages: items, Runtimes: runtimes})
}

func (h *ExecController) toExecuteRequest(req RunRequest) (sandbox.ExecuteRequest, error) {
	lang, err := artifact.ParseLanguage(req.Language)
	if err != nil {
		return sandbox.ExecuteRequest{}, err
	}
	kind := runtime.Wasm
	if strings.TrimSpace(req.Runtime) != "" {
		if kind, err = runtime.ParseKind(req.Runtime); err != nil {
			return sandbox.ExecuteRequest{}, err
		}
	}
	if kind == runtime.Native && !h.opts.AllowNative {
		return sandbox.ExecuteRequest{}, appErr.Newf(appErr.UnsupportedRuntime, "native runtime is disabled")
	}
	var target artifact.TargetFormat
	if strings.TrimSpace(req.Target) != "" {
		if target, err = artifact.ParseTargetFormat(req.Target); err != nil {
			return sandbox.ExecuteRequest{}, err
		}
	}
	level, err := compiler.ParseOptLevel(req.OptLevel)
	if err != nil {
		return sandbox.ExecuteRequest{}, err
	}
	if len(req.ExtraFlags) > 0 && !h.opts.AllowExtraFlags {
		return sandbox.ExecuteRequest{}, appErr.ValidationError("extra_flags", "not allowed")
	}
	limits, err := h.limits(req.Limits)
	if err != nil {
		return sandbox.ExecuteRequest{}, err
	}
	return sandbox.ExecuteRequest{
		Language: lang,
		Source:   []byte(req.Source),
		CompileOptions: compiler.Options{
			Target:     target,
			OptLevel:   level,
			ExtraFlags: req.ExtraFlags,
		},
		Runtime: kind,
		Stdin:   []byte(req.Stdin),
		Args:    req.Args,
		Limits:  limits,
	}, nil
}

func (h *ExecController) limits(req LimitsRequest) (spec.ExecutionLimits, error) {
	if req.WallTimeMs < 0 || req.MemoryBytes < 0 || req.OutputBytes < 0 {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits", "must not be negative")
	}
	if req.WallTimeMs > maxWallTimeMs {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits.wall_time_ms", "too large")
	}
	l := spec.ExecutionLimits{
		MaxWallTime:        time.Duration(req.WallTimeMs) * time.Millisecond,
		MaxCPUInstructions: req.CPUInstructions,
		MaxMemoryBytes:     req.MemoryBytes,
		MaxOutputBytes:     req.OutputBytes,
	}
	ceiling := h.opts.MaxLimits
	if ceiling.MaxWallTime > 0 && l.MaxWallTime > ceiling.MaxWallTime {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits.wall_time_ms", "exceeds the server maximum")
	}
	if ceiling.MaxCPUInstructions > 0 && l.MaxCPUInstructions > ceiling.MaxCPUInstructions {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits.cpu_instructions", "exceeds the server maximum")
	}
	if ceiling.MaxMemoryBytes > 0 && l.MaxMemoryBytes > ceiling.MaxMemoryBytes {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits.memory_bytes", "exceeds the server maximum")
	}
	if ceiling.MaxOutputBytes > 0 && l.MaxOutputBytes > ceiling.MaxOutputBytes {
		return spec.ExecutionLimits{}, appErr.ValidationError("limits.output_bytes", "exceeds the server maximum")
	}
	return l, nil
}

func toRunResponse(res result.ExecutionResult) RunResponse {
	return RunResponse{
		Outcome:         string(res.Outcome),
		Reason:          string(res.Reason),
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		Diagnostic:      res.Diagnostic,
		Usage: UsageResponse{
			WallTimeMs:      res.Usage.WallTime.Milliseconds(),
			CPUTimeMs:       res.Usage.CPUTime.Milliseconds(),
			PeakMemoryBytes: res.Usage.PeakMemoryBytes,
			Instructions:    res.Usage.Instructions,
		},
	}
}

// RunRequest defines the run request payload.
type RunRequest struct {
	Language   string        `json:"language" binding:"required"`
	Source     string        `json:"source" binding:"required"`
	Target     string        `json:"target"`
	Runtime    string        `json:"runtime"`
	Stdin      string        `json:"stdin"`
	Args       []string      `json:"args"`
	Limits     LimitsRequest `json:"limits"`
	OptLevel   string        `json:"opt_level"`
	ExtraFlags []string      `json:"extra_flags"`
}

// LimitsRequest defines requested limits. Zero uses the server default.
type LimitsRequest struct {
	WallTimeMs      int64  `json:"wall_time_ms"`
	CPUInstructions uint64 `json:"cpu_instructions"`
	MemoryBytes     int64  `json:"memory_bytes"`
	OutputBytes     int64  `json:"output_bytes"`
}

// RunResponse defines the run response payload. Stdout and stderr are base64 encoded.
type RunResponse struct {
	Outcome         string        `json:"outcome"`
	Reason          string        `json:"reason,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Stdout          []byte        `json:"stdout"`
	Stderr          []byte        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated"`
	StderrTruncated bool          `json:"stderr_truncated"`
	Diagnostic      string        `json:"diagnostic,omitempty"`
	Usage           UsageResponse `json:"usage"`
}

// UsageResponse defines measured usage.
type UsageResponse struct {
	WallTimeMs      int64  `json:"wall_time_ms"`
	CPUTimeMs       int64  `json:"cpu_time_ms"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes"`
	Instructions    uint64 `json:"instructions"`
}

// LanguageItem describes one language.
type LanguageItem struct {
	Language string   `json:"language"`
	Targets  []string `json:"targets"`
}

// LanguagesResponse defines the languages response payload.
type LanguagesResponse struct {
	Languages []LanguageItem `json:"languages"`
	Runtimes  []string       `json:"runtimes"`
}
