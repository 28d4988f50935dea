// Package wal is the durable storage backend of the engine.
//
// Each table (PModes, MPCs, duplicate IDs) is an append-only log of Put and
// Remove records plus a snapshot. Records are etree elements in the same
// layout the domain packages use for export, framed by their byte length so
// that a torn tail from a crash is detected and discarded on replay. Every
// append is fsynced before the caller's mutation becomes visible, and a failed
// append is cut back off the log. After CompactAfter appends the live rows
// are written to a fresh snapshot and the log is truncated.
//
// A Store implements storage.Backend. Replayed rows seed the in-memory
// stores:
//
//	w, _ := wal.Open(wal.Config{Dir: "/var/lib/as4"})
//	pmodes, _ := w.PModes()
//	store := pmode.NewMemoryStore(pmode.WithRecords(pmodes...), pmode.WithJournal(w))
package wal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/internal/storage"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
)

// Table names
const (
	TablePModes     = "pmodes"
	TableMPCs       = "mpcs"
	TableDuplicates = "duplicates"
)

const (
	opPut    = "Put"
	opRemove = "Remove"

	defaultCompactAfter = 1000
)

// ErrClosed is returned by appends after Close.
var ErrClosed = errors.New("wal: closed")

// Config configures a Store
type Config struct {
	Dir string
	// CompactAfter is the number of appends to a table that trigger a
	// snapshot. Zero means 1000; negative disables compaction.
	CompactAfter int
	Logger       *slog.Logger
}

// Store is a set of write-ahead logged tables in one directory.
type Store struct {
	dir          string
	compactAfter int
	logger       *slog.Logger

	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// logFile is the open log of a table.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type table struct {
	name    string
	file    logFile
	size    int64
	rows    map[string]*etree.Element
	order   []string
	appends int
	// broken is set when a failed append could not be rolled back.
	broken error
}

// Open replays every table in cfg.Dir, creating the directory if needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("wal: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating wal directory: %w", err)
	}
	if cfg.CompactAfter == 0 {
		cfg.CompactAfter = defaultCompactAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		dir:          cfg.Dir,
		compactAfter: cfg.CompactAfter,
		logger:       cfg.Logger.With(slog.String("component", "wal")),
		tables:       make(map[string]*table),
	}
	for _, name := range []string{TablePModes, TableMPCs, TableDuplicates} {
		t, err := s.openTable(name)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.tables[name] = t
	}
	return s, nil
}

func (s *Store) logPath(name string) string      { return filepath.Join(s.dir, name+".wal") }
func (s *Store) snapshotPath(name string) string { return filepath.Join(s.dir, name+".snapshot") }

func (s *Store) openTable(name string) (*table, error) {
	t := &table{name: name, rows: make(map[string]*etree.Element)}

	if err := s.replay(t, s.snapshotPath(name), false); err != nil {
		return nil, err
	}
	if err := s.replay(t, s.logPath(name), true); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.logPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening %s log: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening %s log: %w", name, err)
	}
	t.file = f
	t.size = fi.Size()
	s.logger.Debug("table replayed", slog.String("table", name), slog.Int("rows", len(t.rows)), slog.Int("appends", t.appends))
	return t, nil
}

// replay applies the records of path to t. A torn final record in a log is
// cut off; in a snapshot it is an error since snapshots are renamed into
// place only once complete.
func (s *Store) replay(t *table, path string, isLog bool) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var good int64
	for {
		rec, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err == nil {
			err = t.apply(rec)
		}
		if err != nil {
			if !isLog {
				return fmt.Errorf("replaying %s: %w", path, err)
			}
			s.logger.Warn("discarding torn wal tail",
				slog.String("table", t.name),
				slog.Int64("offset", good),
				slog.String("error", err.Error()))
			return os.Truncate(path, good)
		}
		good += n
		if isLog {
			t.appends++
		}
	}
}

// readFrame reads "<length>\n<record>\n" and returns the record with the
// number of bytes consumed.
func readFrame(r *bufio.Reader) (*etree.Element, int64, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && header == "" {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}
	size, err := strconv.Atoi(header[:len(header)-1])
	if err != nil || size <= 0 {
		return nil, 0, fmt.Errorf("bad frame header %q", header)
	}
	body := make([]byte, size+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if body[size] != '\n' {
		return nil, 0, errors.New("frame not terminated")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body[:size]); err != nil {
		return nil, 0, fmt.Errorf("parsing record: %w", err)
	}
	if doc.Root() == nil {
		return nil, 0, errors.New("empty record")
	}
	return doc.Root(), int64(len(header) + size + 1), nil
}

func frame(rec *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(rec)
	body, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (t *table) apply(rec *etree.Element) error {
	id := rec.SelectAttrValue("id", "")
	if id == "" {
		return fmt.Errorf("<%s> record without id", rec.Tag)
	}
	switch rec.Tag {
	case opPut:
		row := rec.ChildElements()
		if len(row) != 1 {
			return fmt.Errorf("<%s> record for %q must hold one row", opPut, id)
		}
		if _, ok := t.rows[id]; !ok {
			t.order = append(t.order, id)
		}
		t.rows[id] = row[0].Copy()
	case opRemove:
		if _, ok := t.rows[id]; ok {
			delete(t.rows, id)
			for i, o := range t.order {
				if o == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
		}
	default:
		return fmt.Errorf("unknown record <%s>", rec.Tag)
	}
	return nil
}

func putRecord(id string, row *etree.Element) *etree.Element {
	rec := etree.NewElement(opPut)
	rec.CreateAttr("id", id)
	rec.AddChild(row)
	return rec
}

func removeRecord(id string) *etree.Element {
	rec := etree.NewElement(opRemove)
	rec.CreateAttr("id", id)
	return rec
}

// append writes recs as one fsynced batch and applies them to the table.
func (s *Store) append(name string, recs ...*etree.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	t := s.tables[name]
	if t.broken != nil {
		return fmt.Errorf("%s log unusable: %w", name, t.broken)
	}

	var batch []byte
	for _, rec := range recs {
		b, err := frame(rec)
		if err != nil {
			return fmt.Errorf("encoding %s record: %w", name, err)
		}
		batch = append(batch, b...)
	}
	if _, err := t.file.Write(batch); err != nil {
		return s.rollback(t, fmt.Errorf("appending to %s log: %w", name, err))
	}
	if err := t.file.Sync(); err != nil {
		return s.rollback(t, fmt.Errorf("syncing %s log: %w", name, err))
	}
	t.size += int64(len(batch))
	for _, rec := range recs {
		if err := t.apply(rec); err != nil {
			return err
		}
	}
	t.appends += len(recs)

	if s.compactAfter > 0 && t.appends >= s.compactAfter {
		if err := s.compact(t); err != nil {
			// The log is still complete; compaction is retried on the next append.
			s.logger.Error("compaction failed", slog.String("table", name), slog.String("error", err.Error()))
		}
	}
	return nil
}

// rollback cuts the log back to its last complete batch so a partial write
// does not hide later appends from replay. If that fails the table refuses
// further appends. Callers hold s.mu.
func (s *Store) rollback(t *table, cause error) error {
	err := t.file.Truncate(t.size)
	if err == nil {
		err = t.file.Sync()
	}
	if err != nil {
		t.broken = errors.Join(cause, err)
		s.logger.Error("wal rollback failed",
			slog.String("table", t.name),
			slog.Int64("offset", t.size),
			slog.String("error", err.Error()))
	}
	return cause
}

// compact writes the live rows to a new snapshot and truncates the log.
// Callers hold s.mu.
func (s *Store) compact(t *table) error {
	tmp, err := os.CreateTemp(s.dir, t.name+".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, id := range t.order {
		b, err := frame(putRecord(id, t.rows[id].Copy()))
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(b); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.snapshotPath(t.name)); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	if err := t.file.Truncate(0); err != nil {
		return err
	}
	t.size = 0
	if err := t.file.Sync(); err != nil {
		return err
	}

	s.logger.Info("table compacted", slog.String("table", t.name), slog.Int("rows", len(t.order)), slog.Int("appends", t.appends))
	t.appends = 0
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Compact snapshots every table now.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var errs []error
	for _, t := range s.tables {
		if err := s.compact(t); err != nil {
			errs = append(errs, fmt.Errorf("compacting %s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the table logs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, t := range s.tables {
		if t.file != nil {
			errs = append(errs, t.file.Close())
		}
	}
	return errors.Join(errs...)
}

// Load implements storage.Backend
func (s *Store) Load(_ context.Context) (*storage.Snapshot, error) {
	pmodes, err := s.PModes()
	if err != nil {
		return nil, err
	}
	mpcs, err := s.MPCs()
	if err != nil {
		return nil, err
	}
	dups, err := s.Duplicates()
	if err != nil {
		return nil, err
	}
	return &storage.Snapshot{PModes: pmodes, MPCs: mpcs, Duplicates: dups}, nil
}

func (s *Store) rows(name string) []*etree.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[name]
	out := make([]*etree.Element, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.rows[id].Copy())
	}
	return out
}

// PutPMode implements pmode.Journal
func (s *Store) PutPMode(p *pmode.PMode) error {
	return s.append(TablePModes, putRecord(p.ID, p.ToElement()))
}

// RemovePMode implements pmode.Journal
func (s *Store) RemovePMode(id string) error {
	return s.append(TablePModes, removeRecord(id))
}

// PModes returns the replayed PModes, soft-deleted ones included.
func (s *Store) PModes() ([]*pmode.PMode, error) {
	var out []*pmode.PMode
	for _, el := range s.rows(TablePModes) {
		p, err := pmode.FromElement(el)
		if err != nil {
			return nil, fmt.Errorf("decoding pmode: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// PutMPC implements mpc.Journal
func (s *Store) PutMPC(m *mpc.MPC) error {
	return s.append(TableMPCs, putRecord(m.ID, m.ToElement()))
}

// RemoveMPC implements mpc.Journal
func (s *Store) RemoveMPC(id string) error {
	return s.append(TableMPCs, removeRecord(id))
}

// MPCs returns the replayed channels.
func (s *Store) MPCs() ([]*mpc.MPC, error) {
	var out []*mpc.MPC
	for _, el := range s.rows(TableMPCs) {
		m, err := mpc.FromElement(el)
		if err != nil {
			return nil, fmt.Errorf("decoding mpc: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// PutDuplicate implements reliability.DuplicateJournal
func (s *Store) PutDuplicate(item *reliability.DuplicateItem) error {
	return s.append(TableDuplicates, putRecord(item.MessageID, item.ToElement()))
}

// RemoveDuplicates implements reliability.DuplicateJournal. The IDs are
// written as one batch.
func (s *Store) RemoveDuplicates(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	recs := make([]*etree.Element, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, removeRecord(id))
	}
	return s.append(TableDuplicates, recs...)
}

// Duplicates returns the replayed duplicate detection entries.
func (s *Store) Duplicates() ([]*reliability.DuplicateItem, error) {
	var out []*reliability.DuplicateItem
	for _, el := range s.rows(TableDuplicates) {
		d, err := reliability.DuplicateItemFromElement(el)
		if err != nil {
			return nil, fmt.Errorf("decoding duplicate item: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
