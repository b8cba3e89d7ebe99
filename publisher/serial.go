package publisher

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/serverpki/serverpki/fileutil"
)

// soaSerial matches the serial of the first SOA record: owner name and
// mailbox, an optional opening parenthesis, then the serial.
var soaSerial = regexp.MustCompile(`(?i)\bSOA\s+\S+\s+\S+\s*\(?\s*(\d+)\b`)

// NextSerial returns the serial following old in the YYYYMMDDnn scheme: the
// first serial of the day is YYYYMMDD01, later ones count up. A serial that
// is already ahead of today's date is incremented.
func NextSerial(old uint32, now time.Time) (uint32, error) {
	day, err := strconv.ParseUint(now.UTC().Format("20060102"), 10, 64)
	if err != nil {
		return 0, err
	}
	next := max(uint64(old)+1, day*100+1)
	if next > math.MaxUint32 {
		return 0, fmt.Errorf("serial %d cannot be advanced", old)
	}
	return uint32(next), nil
}

// BumpSerial returns content with the serial of its SOA record replaced by
// the next one.
func BumpSerial(content []byte, now time.Time) ([]byte, uint32, error) {
	m := soaSerial.FindSubmatchIndex(blankComments(content))
	if m == nil {
		return nil, 0, errors.New("no SOA serial found")
	}
	old, err := strconv.ParseUint(string(content[m[2]:m[3]]), 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing SOA serial: %w", err)
	}
	next, err := NextSerial(uint32(old), now)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, 0, len(content)+2)
	out = append(out, content[:m[2]]...)
	out = strconv.AppendUint(out, uint64(next), 10)
	out = append(out, content[m[3]:]...)
	return out, next, nil
}

// BumpZoneFileSerial advances the SOA serial of the zone file at path and
// returns the new serial. The file keeps its mode; uid and gid are applied as
// by fileutil.WriteAtomic.
func BumpZoneFileSerial(path string, now time.Time, uid, gid int) (uint32, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	out, serial, err := BumpSerial(content, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	err = fileutil.WriteAtomic(path, out, fi.Mode().Perm(), uid, gid)
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// blankComments returns a copy of content with every comment overwritten by
// spaces, so offsets stay valid for content.
func blankComments(content []byte) []byte {
	out := append([]byte(nil), content...)
	inComment := false
	for i, c := range out {
		switch {
		case c == '\n':
			inComment = false
		case c == ';':
			inComment = true
		}
		if inComment {
			out[i] = ' '
		}
	}
	return out
}
