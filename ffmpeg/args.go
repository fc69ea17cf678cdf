package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits a configured argument string without involving a shell.
func SplitArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects clip encoding arguments that would change which files
// ffmpeg reads or writes, or that carry shell metacharacters.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		switch arg {
		case "-i", "-y", "-n", "-f":
			return fmt.Errorf("argument %s is managed by scenereel", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
