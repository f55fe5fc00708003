// Package exec runs external tools (the Conan CLI, primarily) with explicit
// deadlines and classified failures.
//
// A Command carries defaults set at construction time. Per-call settings
// (environment, working directory) override them for a single Run and are
// reset afterwards:
//
//	runner := exec.New(
//		exec.WithTimeout(30*time.Second),
//		exec.WithDisableColors(),
//		exec.WithInheritEnv(),
//	)
//	res, err := runner.WithDir("/work").Run(ctx, "conan", "list", "zlib/*")
//
// Every Run is bounded by the configured timeout. A run that exceeds it fails
// with an error carrying errors.CodeTimeout; a non-zero exit fails with
// errors.CodeExecutionFailed. The underlying *ExecError, with captured output,
// is reachable through errors.As.
//
// # Command Wrappers
//
// A CommandWrapper prepends a fixed tool name to every Run:
//
//	conan := exec.NewWrapper(runner, "conan")
//	res, err := conan.Run(ctx, "graph", "info", "--requires=zlib/1.3")
//
// Both Command and CommandWrapper satisfy Executor, so callers accept the
// interface and tests substitute a fake.
package exec
