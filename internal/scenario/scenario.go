// Package scenario runs the fixed set/get/delete walk-through against a cache.
package scenario

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/catatsuy/mcdemo/internal/cacheclient"
	"github.com/catatsuy/mcdemo/internal/model"
)

const (
	ExitOK          = 0
	ExitStoreFailed = -1
)

const separator = "======================================="

// Store is the subset of *cacheclient.Client the scenario drives.
type Store interface {
	Set(key string, value []byte, ttl time.Duration, flags uint32) error
	Get(key string) (model.Entry, bool, error)
	Delete(key string) error
	Close() error
}

type Options struct {
	Key        string
	Value      string
	MissingKey string
	Color      bool
}

func DefaultOptions() Options {
	return Options{
		Key:        "TestKey",
		Value:      "TestValue",
		MissingKey: "TestKey2",
	}
}

type printer struct {
	stdout io.Writer
	stderr io.Writer

	ok   *color.Color
	fail *color.Color
	info *color.Color
}

func newPrinter(stdout, stderr io.Writer, useColor bool) *printer {
	p := &printer{
		stdout: stdout,
		stderr: stderr,
		ok:     color.New(color.FgGreen),
		fail:   color.New(color.FgRed, color.Bold),
		info:   color.New(color.FgCyan),
	}
	if !useColor {
		p.ok.DisableColor()
		p.fail.DisableColor()
		p.info.DisableColor()
	}
	return p
}

// Run stores Key, reads Key and MissingKey back, deletes Key and closes the
// store. A store failure aborts the run with ExitStoreFailed; a delete
// failure is reported and the run continues. The store is closed on every path.
func Run(store Store, stdout, stderr io.Writer, opts Options) int {
	defer store.Close()

	p := newPrinter(stdout, stderr, opts.Color)

	fmt.Fprintln(p.stdout, separator)
	if err := store.Set(opts.Key, []byte(opts.Value), 0, 0); err != nil {
		p.fail.Fprintf(p.stderr, "Save data failed: %d\n", int(cacheclient.CodeOf(err)))
		fmt.Fprintf(p.stderr, "%v\n", err)
		return ExitStoreFailed
	}
	p.ok.Fprintf(p.stdout, "Save data succeed, key: %s value: %s\n", opts.Key, opts.Value)

	p.lookup(store, opts.Key)
	p.lookup(store, opts.MissingKey)

	fmt.Fprintln(p.stdout, separator)
	p.info.Fprintf(p.stdout, "Start delete key: %s\n", opts.Key)
	if err := store.Delete(opts.Key); err != nil {
		p.fail.Fprintf(p.stderr, "Delete key failed: %d\n", int(cacheclient.CodeOf(err)))
		fmt.Fprintf(p.stderr, "%v\n", err)
	} else {
		p.ok.Fprintln(p.stdout, "Delete key succeed")
	}

	return ExitOK
}

func (p *printer) lookup(store Store, key string) {
	fmt.Fprintln(p.stdout, separator)
	p.info.Fprintf(p.stdout, "Start get key: %s\n", key)

	entry, found, err := store.Get(key)
	switch {
	case err != nil:
		p.fail.Fprintf(p.stderr, "Get failed: %v\n", err)
	case !found:
		fmt.Fprintln(p.stdout, "Get value: (not found)")
	default:
		fmt.Fprintf(p.stdout, "Get value: %s\n", entry.Value)
	}
}
