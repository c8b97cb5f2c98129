package deb

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// arEntry is one member of a Unix ar(1) archive, the container format
// .deb packages use to hold debian-binary, control.tar.* and data.tar.*.
// No ar-reading library exists in the example pack, and the format is a
// fixed 60-byte-header-per-member layout simple enough to read directly
// against io.Reader rather than shelling out to ar(1) for every lookup.
type arEntry struct {
	Name string
	Size int64
	Body io.Reader
}

const arMagic = "!<arch>\n"

// walkAr calls visit for each member of an ar archive in order, stopping
// early if visit returns an error. Body must be fully drained (or
// skipped via io.Copy(io.Discard, ...)) before the next iteration since
// members are read sequentially from a single stream.
func walkAr(r *bufio.Reader, visit func(arEntry) error) error {
	magic := make([]byte, len(arMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("reading ar magic: %w", err)
	}
	if string(magic) != arMagic {
		return fmt.Errorf("not an ar archive (bad magic)")
	}

	for {
		header := make([]byte, 60)
		_, err := io.ReadFull(r, header)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading ar header: %w", err)
		}
		name := strings.TrimRight(string(header[0:16]), " ")
		name = strings.TrimSuffix(name, "/")
		sizeStr := strings.TrimSpace(string(header[48:58]))
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing ar member %q size: %w", name, err)
		}

		body := io.LimitReader(r, size)
		counting := &countingReader{r: body}
		if err := visit(arEntry{Name: name, Size: size, Body: counting}); err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, counting); err != nil {
			return fmt.Errorf("draining ar member %q: %w", name, err)
		}
		if size%2 == 1 {
			if _, err := r.Discard(1); err != nil {
				return fmt.Errorf("skipping ar padding byte: %w", err)
			}
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
