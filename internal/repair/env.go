package repair

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	tmpDirOnce sync.Once
	tmpDir     string
)

// cleanTmpDir returns a private temp directory for CLI invocations. Editor
// socket files in the shared TMPDIR crash the CLI when --settings is used.
func cleanTmpDir() string {
	tmpDirOnce.Do(func() {
		tmpDir = filepath.Join(os.TempDir(), "healloop-claude")
		_ = os.MkdirAll(tmpDir, 0755)
	})
	return tmpDir
}

// setCleanEnv copies the current environment with TMPDIR overridden.
func setCleanEnv(cmd *exec.Cmd) {
	cmd.Env = os.Environ()

	dir := cleanTmpDir()
	for i, env := range cmd.Env {
		if strings.HasPrefix(env, "TMPDIR=") {
			cmd.Env[i] = "TMPDIR=" + dir
			return
		}
	}
	cmd.Env = append(cmd.Env, "TMPDIR="+dir)
}
