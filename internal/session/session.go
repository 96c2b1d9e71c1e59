// Package session replaces the teacher's at-exit cleanup registration with
// an explicit, scoped ledger (spec §9 Design Notes): mounts and temp
// directories created during a run are pushed onto a LIFO stack and torn
// down together when the session closes, in reverse acquisition order.
package session

import (
	"context"
	"os"

	"github.com/pmengelbert/stack"
	"github.com/sirupsen/logrus"

	"github.com/kupferbootstrap/kupferbuild/internal/executil"
	"github.com/kupferbootstrap/kupferbuild/internal/fsops"
)

type cleanup struct {
	describe string
	undo     func() error
}

// Session owns every mount and temp directory acquired during one build
// run and unwinds them LIFO on Close, mirroring the teacher's
// atexit.register(self.deactivate) but scoped to a single call instead of
// the whole process.
type Session struct {
	Runner executil.Runner
	Log    logrus.FieldLogger

	stack *stack.Stack[cleanup]
}

func New(runner executil.Runner, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{Runner: runner, Log: log, stack: stack.New[cleanup]()}
}

// RegisterMount records a mount at absPath for teardown, the Go analogue
// of "atexit.register(self.deactivate)" fired on first mount (spec §4.7).
func (s *Session) RegisterMount(ctx context.Context, absPath string, lazy bool) {
	s.stack.Push(cleanup{
		describe: "umount " + absPath,
		undo: func() error {
			return fsops.Umount(ctx, s.Runner, absPath, lazy)
		},
	})
}

// RegisterTempDir records a temp directory for recursive removal at
// session close (spec §4.3 get_temp_dir's "registers an at-exit recursive
// removal").
func (s *Session) RegisterTempDir(path string) {
	s.stack.Push(cleanup{
		describe: "rm -rf " + path,
		undo: func() error {
			return os.RemoveAll(path)
		},
	})
}

// TempDir creates and registers a temp directory in one step.
func (s *Session) TempDir(prefix string) (string, error) {
	dir, err := fsops.TempDir(prefix)
	if err != nil {
		return "", err
	}
	s.RegisterTempDir(dir)
	return dir, nil
}

// Close unwinds every registered cleanup in LIFO order, matching
// deactivate()'s "reverse of active_mounts" ordering. It keeps going on
// error so one failed unmount doesn't leak the rest of the ledger, and
// returns the first error encountered.
func (s *Session) Close() error {
	var firstErr error
	for {
		opt := s.stack.Pop()
		if !opt.IsSome() {
			break
		}
		c := opt.Unwrap()
		if err := c.undo(); err != nil {
			s.Log.WithError(err).WithField("cleanup", c.describe).Error("cleanup failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.Log.WithField("cleanup", c.describe).Debug("cleanup ok")
	}
	return firstErr
}
