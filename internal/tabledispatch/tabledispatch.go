// Package tabledispatch implements Adaptive Table Dispatch (spec.md
// §4.5): reading a table's footer magic number and routing to whichever
// reader factory was configured for that format, without the caller
// having to know up front which on-disk layout a given file uses.
package tabledispatch

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hyperlsm/engine/internal/engineerrors"
	"github.com/hyperlsm/engine/internal/metrics"
)

// Format identifies a table's on-disk layout by its footer magic
// number (spec.md §4.5: "block-based, plain, or hash-cuckoo").
type Format uint32

const (
	FormatBlockBased Format = 0x53535442 // "SSTB", grounded on the teacher's SSTableMagic
	FormatPlain      Format = 0x504c4149 // "PLAI"
	FormatHashCuckoo Format = 0x48435543 // "HCUC"
)

func (f Format) String() string {
	switch f {
	case FormatBlockBased:
		return "block_based"
	case FormatPlain:
		return "plain"
	case FormatHashCuckoo:
		return "hash_cuckoo"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint32(f))
	}
}

// footerMagicSize is the trailing magic-number field's width; the
// teacher's SSTableHeader magic is a leading uint32, but Adaptive Table
// Dispatch reads it from the footer so unopened files of any format can
// be told apart without parsing their header layout first.
const footerMagicSize = 4

// ReaderFactory constructs a reader for one table format. Implementations
// are supplied by the embedding engine per spec.md §4.5; this package
// only does the dispatch, never the table I/O itself.
type ReaderFactory func(r io.ReaderAt, size int64) (any, error)

// WriterFactory constructs a writer for whichever single format writes
// are configured to use (spec.md §4.5: "Writes delegate to a single
// configured writer factory").
type WriterFactory func(w io.Writer) (any, error)

// Dispatcher routes table opens to the configured reader factory for
// the footer's magic number, and every write to one fixed writer
// factory.
type Dispatcher struct {
	readers map[Format]ReaderFactory
	writer  WriterFactory
	reg     *metrics.Registry
}

// New constructs a Dispatcher. readers maps each supported Format to
// its reader factory; writer is the single configured writer factory.
func New(readers map[Format]ReaderFactory, writer WriterFactory, reg *metrics.Registry) *Dispatcher {
	cp := make(map[Format]ReaderFactory, len(readers))
	for f, rf := range readers {
		cp[f] = rf
	}
	return &Dispatcher{readers: cp, writer: writer, reg: reg}
}

// OpenReader reads the trailing magic number from r (size bytes total)
// and dispatches to the matching reader factory. Unknown magic numbers
// return ErrUnsupportedFormat (spec.md §4.5, §7).
func (d *Dispatcher) OpenReader(r io.ReaderAt, size int64) (any, error) {
	format, err := readFooterMagic(r, size)
	if err != nil {
		return nil, engineerrors.NewError("open_reader").Component("tabledispatch").Cause(err).Err()
	}

	factory, ok := d.readers[format]
	if !ok {
		if d.reg != nil {
			d.reg.TableDispatchTotal.WithLabelValues("unsupported").Inc()
		}
		return nil, engineerrors.NewError("open_reader").
			Component("tabledispatch").
			Context(format.String()).
			Cause(engineerrors.ErrUnsupportedFormat).Err()
	}

	if d.reg != nil {
		d.reg.TableDispatchTotal.WithLabelValues(format.String()).Inc()
	}
	return factory(r, size)
}

// NewWriter constructs a writer via the single configured writer
// factory.
func (d *Dispatcher) NewWriter(w io.Writer) (any, error) {
	return d.writer(w)
}

func readFooterMagic(r io.ReaderAt, size int64) (Format, error) {
	if size < footerMagicSize {
		return 0, fmt.Errorf("table too small to contain a footer magic: %d bytes", size)
	}
	buf := make([]byte, footerMagicSize)
	if _, err := r.ReadAt(buf, size-footerMagicSize); err != nil {
		return 0, fmt.Errorf("reading footer magic: %w", err)
	}
	return Format(binary.BigEndian.Uint32(buf)), nil
}
