package protogen

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// CompileOptions configures an external protoc invocation.
type CompileOptions struct {
	// ProtocPath is the compiler binary, "protoc" by default.
	ProtocPath string

	// IncludeDirs are extra -I directories. The proto file's own
	// directory is always included.
	IncludeDirs []string

	// Args are extra arguments, typically output directives such as
	// --go_out. When empty, a descriptor set is written next to the
	// proto file so the invocation still validates it.
	Args []string
}

// CompilationError reports a failed protoc run, carrying the compiler's
// combined output.
type CompilationError struct {
	File   string
	Output string
	Err    error
}

func (e *CompilationError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("compiling %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("compiling %s: %v: %s", e.File, e.Err, out)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// Compile runs protoc on the given proto file. It exists for setups that
// generate stubs for external consumers; serving does not depend on it.
func Compile(file string, opts CompileOptions) error {
	protoc := opts.ProtocPath
	if protoc == "" {
		protoc = "protoc"
	}
	args := []string{"-I", filepath.Dir(file)}
	for _, dir := range opts.IncludeDirs {
		args = append(args, "-I", dir)
	}
	if len(opts.Args) == 0 {
		args = append(args, "--descriptor_set_out="+strings.TrimSuffix(file, ".proto")+".pb")
	} else {
		args = append(args, opts.Args...)
	}
	args = append(args, file)

	out, err := exec.Command(protoc, args...).CombinedOutput()
	if err != nil {
		return &CompilationError{File: file, Output: string(out), Err: err}
	}
	return nil
}
