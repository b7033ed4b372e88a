//go:build !windows

package runner

import "syscall"

func init() {
	execReplace = func(argv0 string, argv []string, envv []string) error {
		return syscall.Exec(argv0, argv, envv)
	}
}
