package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

const cleanupTimeout = 10 * time.Second

// CommandCleanup returns a cleanup function running argv, such as
// "pkill -f chrom". Exit status 1 means nothing matched and is not an
// error.
func CommandCleanup(argv []string) func(ctx context.Context) error {
	if len(argv) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		err := exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		return err
	}
}
