package console

import (
	"io"
	"os"
)

// Journal is the append-only binary file of framed messages backing one
// task's console. It must be replayable from offset 0 at any time,
// including while still being written.
type Journal struct {
	path string
	w    *os.File
}

// OpenJournal creates (or truncates) the journal file at path for
// writing.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, w: f}, nil
}

// Write appends msg to the journal.
func (j *Journal) Write(msg Message) error {
	return Write(j.w, msg)
}

// Flush ensures every written frame is visible to a fresh reader opening
// the same path.
func (j *Journal) Flush() error {
	return j.w.Sync()
}

// Close flushes and closes the journal's write handle.
func (j *Journal) Close() error {
	j.Flush()
	return j.w.Close()
}

// Replay flushes pending writes, then reads every frame from byte 0 of
// the journal file and sends it to sink, stopping at the current end of
// file. Used when a new subscriber attaches: it must see the entire
// history before any subsequent live frame.
func (j *Journal) Replay(sink func(Message) error) error {
	if err := j.Flush(); err != nil {
		return err
	}
	r, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		msg, err := Read(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink(msg); err != nil {
			return err
		}
	}
}
