// Package executor materializes a workspace for a job, optionally compiles
// the source through a content-addressed artifact cache, and runs the
// program under wall-clock and output-size caps.
//
// Run never returns an error to callers: every failure mode is folded into
// the structured result (or, in test-case mode, into the failing case).
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/internal/languages"
	"sentinel/internal/logging"
	"sentinel/pkg/models"
)

// DefaultCompileTimeout applies when a descriptor's compile step carries no
// timeout of its own.
const DefaultCompileTimeout = 10 * time.Second

// Executor owns the per-job workspace lifecycle and the compile cache.
// Safe for concurrent use; every job gets its own workspace.
type Executor struct {
	workspaceRoot string
	cache         *CompileCache
}

// New prepares the workspace root and compile cache directories.
func New(workspaceRoot, cacheRoot string) (*Executor, error) {
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", workspaceRoot, err)
	}
	cache, err := NewCompileCache(cacheRoot)
	if err != nil {
		return nil, err
	}
	return &Executor{workspaceRoot: workspaceRoot, cache: cache}, nil
}

// Run executes code for desc. With testCases the program is run once per
// case and the per-case outcomes returned; otherwise a single run is fed
// stdin. The workspace is destroyed on every exit path.
func (e *Executor) Run(ctx context.Context, desc *languages.Descriptor, code, stdin string, testCases []models.TestCase) *models.ExecutionResult {
	start := time.Now()

	workspace, err := os.MkdirTemp(e.workspaceRoot, fmt.Sprintf("job-%s-", uuid.New().String()[:8]))
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to create workspace: %v", err), start)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logging.L().Error("workspace cleanup failed",
				zap.String("workspace", workspace), zap.Error(err))
		}
	}()

	filename := desc.SourceFilename()
	sourcePath := filepath.Join(workspace, filename)
	if err := os.WriteFile(sourcePath, []byte(code), 0o644); err != nil {
		return errorResult(fmt.Sprintf("Failed to write source file: %v", err), start)
	}

	if desc.Compile != nil {
		if res := e.compile(ctx, desc, code, workspace, sourcePath, filename, start); res != nil {
			return res
		}
	}

	// Tokens are expanded in the command too, so compiled languages can
	// invoke their workspace-local binary as {dir}/program.
	runCmd := substituteToken(desc.Command, sourcePath, workspace, filename)
	runArgs := substituteTokens(desc.Args, sourcePath, workspace, filename)
	runTimeout := time.Duration(desc.Timeout) * time.Millisecond

	if len(testCases) > 0 {
		return e.runTestCases(ctx, desc, runCmd, runArgs, workspace, runTimeout, testCases, start)
	}
	return e.runSingle(ctx, desc, runCmd, runArgs, workspace, stdin, runTimeout, start)
}

// compile performs the cache-or-compile step. A non-nil return is a
// terminal compilation failure to hand back to the caller.
func (e *Executor) compile(ctx context.Context, desc *languages.Descriptor, code, workspace, sourcePath, filename string, start time.Time) *models.ExecutionResult {
	key := e.cache.Key(desc, code)
	if e.cache.Restore(desc, key, workspace) {
		logging.L().Debug("compile cache hit",
			zap.String("language", desc.Name), zap.String("key", key[:12]))
		return nil
	}

	timeout := DefaultCompileTimeout
	if desc.Compile.Timeout > 0 {
		timeout = time.Duration(desc.Compile.Timeout) * time.Millisecond
	}
	compileCmd := substituteToken(desc.Compile.Command, sourcePath, workspace, filename)
	args := substituteTokens(desc.Compile.Args, sourcePath, workspace, filename)

	res, err := runProcess(ctx, compileCmd, args, workspace, "", timeout)
	if err != nil {
		return errorResult(fmt.Sprintf("Compilation failed: %v", err), start)
	}
	if res.ExitCode != 0 {
		detail := res.Stderr
		if detail == "" {
			detail = res.Stdout
		}
		return errorResult("Compilation failed: "+detail, start)
	}

	e.cache.Publish(desc, key, workspace)
	return nil
}

func (e *Executor) runSingle(ctx context.Context, desc *languages.Descriptor, command string, args []string, workspace, stdin string, timeout time.Duration, start time.Time) *models.ExecutionResult {
	res, err := runProcess(ctx, command, args, workspace, stdin, timeout)
	if err != nil {
		return errorResult(err.Error(), start)
	}
	return &models.ExecutionResult{
		Output:        res.Stdout,
		Error:         res.Stderr,
		ExecutionTime: time.Since(start).Milliseconds(),
		Status:        models.ResultSuccess,
	}
}

// runTestCases runs the program once per case, sequentially and each under
// its own timing. A failing case (timeout, spawn error, output cap) is
// recorded and iteration continues.
func (e *Executor) runTestCases(ctx context.Context, desc *languages.Descriptor, command string, args []string, workspace string, timeout time.Duration, testCases []models.TestCase, start time.Time) *models.ExecutionResult {
	results := make([]models.TestCaseResult, 0, len(testCases))

	for _, tc := range testCases {
		caseStart := time.Now()
		tcr := models.TestCaseResult{Input: tc.Input, Expected: tc.Expected}

		res, err := runProcess(ctx, command, args, workspace, tc.Input, timeout)
		tcr.ExecutionTime = time.Since(caseStart).Milliseconds()
		if err != nil {
			tcr.Error = err.Error()
		} else {
			tcr.ActualOutput = res.Stdout
			tcr.Passed = tcr.ActualOutput == strings.TrimSpace(tc.Expected)
		}
		results = append(results, tcr)
	}

	return &models.ExecutionResult{
		ExecutionTime: time.Since(start).Milliseconds(),
		Status:        models.ResultSuccess,
		TestCases:     results,
	}
}

// substituteTokens expands {file}, {dir} and {filename} in descriptor args.
func substituteTokens(args []string, file, dir, filename string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = substituteToken(a, file, dir, filename)
	}
	return out
}

func substituteToken(s, file, dir, filename string) string {
	s = strings.ReplaceAll(s, "{file}", file)
	s = strings.ReplaceAll(s, "{dir}", dir)
	return strings.ReplaceAll(s, "{filename}", filename)
}

func errorResult(msg string, start time.Time) *models.ExecutionResult {
	return &models.ExecutionResult{
		Error:         msg,
		ExecutionTime: time.Since(start).Milliseconds(),
		Status:        models.ResultError,
	}
}
