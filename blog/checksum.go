package blog

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// checksumWriter prefixes every line with the CRC32 of the line, so that a
// truncated or mangled syslog line can be spotted afterwards.
type checksumWriter struct {
	inner io.Writer
}

func (w *checksumWriter) Write(in []byte) (int, error) {
	var out bytes.Buffer
	out.WriteString(LogLineChecksum(string(in)))
	out.WriteByte(' ')
	out.Write(in)
	n, err := out.WriteTo(w.inner)
	return int(n), err
}

// LogLineChecksum computes a CRC32 over the log line and returns it base64url
// encoded.
func LogLineChecksum(line string) string {
	buf := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE([]byte(line)))
	return base64.RawURLEncoding.EncodeToString(buf)
}
