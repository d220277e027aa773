package replay

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/dyluth/drey/pkg/ledger"
)

// ArchiveExt is the file extension every archive file carries.
const ArchiveExt = ".ndjson"

// checksumLine is the trailing record closing an archive file: the
// hex-encoded SHA-256 of every byte that precedes it, newlines included.
type checksumLine struct {
	Checksum string `json:"_checksum"`
}

// WriteArchive writes events as NDJSON, one JSON object per line in the
// order given, closed by the checksum line. Events must already be in
// (ts, id) order; the writer preserves, not imposes, the ordering.
func WriteArchive(w io.Writer, events []*ledger.Event) error {
	sum := sha256.New()
	out := io.MultiWriter(w, sum)

	for _, event := range events {
		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", event.ID, err)
		}
		if _, err := out.Write(raw); err != nil {
			return err
		}
		if _, err := out.Write([]byte{'\n'}); err != nil {
			return err
		}
	}

	trailer, err := json.Marshal(checksumLine{Checksum: hex.EncodeToString(sum.Sum(nil))})
	if err != nil {
		return err
	}
	if _, err := w.Write(trailer); err != nil {
		return err
	}
	_, err = w.Write([]byte{'\n'})
	return err
}

// ReadArchive reads one NDJSON archive, validates its trailing checksum, and
// returns the events in file order. A file without a checksum line, with a
// wrong checksum, or with content after the checksum is rejected whole: a
// partially written or tampered archive must not feed a rebuild.
func ReadArchive(r io.Reader) ([]*ledger.Event, error) {
	br := bufio.NewReader(r)
	sum := sha256.New()

	var events []*ledger.Event
	sealed := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		if sealed {
			return nil, fmt.Errorf("archive has content after its checksum line")
		}

		var trailer checksumLine
		if jsonErr := json.Unmarshal(trimNewline(line), &trailer); jsonErr == nil && trailer.Checksum != "" {
			want := hex.EncodeToString(sum.Sum(nil))
			if trailer.Checksum != want {
				return nil, fmt.Errorf("archive checksum mismatch: file says %s, content is %s", trailer.Checksum, want)
			}
			sealed = true
			if err == io.EOF {
				break
			}
			continue
		}

		event, parseErr := parseEventLine(line, sum)
		if parseErr != nil {
			return nil, parseErr
		}
		events = append(events, event)
		if err == io.EOF {
			break
		}
	}

	if !sealed {
		return nil, fmt.Errorf("archive is missing its checksum line")
	}
	return events, nil
}

func parseEventLine(line []byte, sum hash.Hash) (*ledger.Event, error) {
	sum.Write(line)

	var event ledger.Event
	if err := json.Unmarshal(trimNewline(line), &event); err != nil {
		return nil, fmt.Errorf("malformed archive line: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archived event %s: %w", event.ID, err)
	}
	return &event, nil
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		return line[:n-1]
	}
	return line
}

// ReadArchiveFile reads and validates one archive from disk.
func ReadArchiveFile(path string) ([]*ledger.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadArchive(f)
}
