package dumping

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/najoast/troupe/core"
)

// GroupName is the name of the group that writes dumps to disk.
const GroupName = "system.dumper"

const bufferCapacity = 128 * 1024

// FileConfig is the configuration snapshot of the file group.
type FileConfig struct {
	// Path of the JSON lines file, opened in append mode
	Path string

	// Interval between flushes
	Interval time.Duration
}

// Validate rejects snapshots the file group cannot run with.
func (c FileConfig) Validate() error {
	if c.Path == "" {
		return errors.New("dump path is required")
	}
	if c.Interval <= 0 {
		return errors.New("dump interval must be positive")
	}
	return nil
}

// Reopen asks the file group to reopen its file, e.g. after log rotation.
type Reopen struct{}

// Name implements core.Message.
func (Reopen) Name() string { return "dumping.reopen" }

type tick struct{}

func (tick) Name() string { return "dumping.tick" }

// SpawnFileGroup starts a single-member group that periodically drains d into
// the file named by cfg. Configuration updates through the returned handle
// reopen the file and change the interval.
func SpawnFileGroup(sys *core.System, d *Dumper, cfg FileConfig) (*core.GroupHandle, error) {
	spec := core.GroupSpec{
		Name:            GroupName,
		MailboxCapacity: 16,
		Validate: func(v any) error {
			c, ok := v.(FileConfig)
			if !ok {
				return fmt.Errorf("unexpected config %T", v)
			}
			return c.Validate()
		},
	}
	// every incarnation reuses the writer so a restart never leaks the file
	w := &fileWriter{dumper: d}
	return sys.SpawnGroup(spec, cfg, core.DefaultRestartPolicy(), func(string) (core.Actor, error) {
		return w, nil
	})
}

// fileWriter is the actor behind SpawnFileGroup. Writes happen on the actor's
// worker.
type fileWriter struct {
	dumper  *Dumper
	cfg     FileConfig
	file    *os.File
	w       *bufio.Writer
	written uint64
}

func (f *fileWriter) Started(ctx *core.Context) error {
	if err := f.open(ctx.Config().(FileConfig)); err != nil {
		return err
	}
	ctx.After(f.cfg.Interval, core.Msg(tick{}))
	return nil
}

func (f *fileWriter) Receive(ctx *core.Context, env core.Envelope) error {
	cfg := ctx.Config().(FileConfig)
	if cfg != f.cfg {
		ctx.Logger().Info("dump config changed, reopening", "path", cfg.Path, "interval", cfg.Interval)
		if err := f.open(cfg); err != nil {
			return err
		}
	}

	msg, _ := env.Payload().Message()
	switch msg.(type) {
	case tick:
		ctx.After(f.cfg.Interval, core.Msg(tick{}))
		if f.file == nil {
			if err := f.open(cfg); err != nil {
				ctx.Logger().Error("reopen dump file failed", "error", err)
				return nil
			}
		}
		n, err := f.flush()
		if err != nil {
			ctx.Logger().Error("dump flush failed, reopening on next tick", "error", err)
			f.discard()
			return nil
		}
		if n > 0 {
			ctx.Logger().Debug("dumps written", "count", n, "dropped", f.dumper.Dropped())
		}
	case Reopen:
		if err := f.open(cfg); err != nil {
			return err
		}
		if env.IsRequest() {
			return ctx.Respond(core.Int(int64(f.written)))
		}
	}
	return nil
}

func (f *fileWriter) Stopped(ctx *core.Context) {
	if _, err := f.flush(); err != nil {
		ctx.Logger().Error("final dump flush failed", "error", err)
	}
	f.close()
}

func (f *fileWriter) open(cfg FileConfig) error {
	f.close()
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	f.cfg = cfg
	f.file = file
	f.w = bufio.NewWriterSize(file, bufferCapacity)
	return nil
}

func (f *fileWriter) close() {
	if f.file == nil {
		return
	}
	_ = f.w.Flush()
	_ = f.file.Close()
	f.file, f.w = nil, nil
}

// discard closes the file without flushing the buffer.
func (f *fileWriter) discard() {
	if f.file == nil {
		return
	}
	_ = f.file.Close()
	f.file, f.w = nil, nil
}

func (f *fileWriter) flush() (int, error) {
	if f.w == nil {
		return 0, nil
	}
	enc := json.NewEncoder(f.w)
	n := 0
	for item := range f.dumper.Drain() {
		if err := enc.Encode(item); err != nil {
			return n, fmt.Errorf("write dump: %w", err)
		}
		n++
	}
	f.written += uint64(n)
	if err := f.w.Flush(); err != nil {
		return n, fmt.Errorf("flush dumps: %w", err)
	}
	return n, nil
}
