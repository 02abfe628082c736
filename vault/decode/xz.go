// Package decode streams a .xz archive to a target path.
package decode

import (
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"

	"github.com/cochaviz/vmvault/vault"
)

// XzDecoder decodes a single .xz stream. It implements vault.Decoder. The
// decompressed size is not known up front, so progress is reported against
// the fraction of compressed bytes consumed from the source file.
type XzDecoder struct{}

var _ vault.Decoder = XzDecoder{}

// DecodeTo reads sourcePath (a .xz archive) and writes its decompressed
// contents to destPath, invoking monitor(vault.PhaseDecode, pct) as
// compressed bytes are consumed. Corruption is reported as
// vault.DecodeFailed.
func (XzDecoder) DecodeTo(sourcePath, destPath string, monitor vault.Monitor) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return decodeErr(err, "stat %s", sourcePath)
	}

	in, err := os.Open(sourcePath)
	if err != nil {
		return decodeErr(err, "open %s", sourcePath)
	}
	defer in.Close()

	counted := &countingReader{r: in, total: info.Size(), monitor: monitor}

	xzReader, err := xz.NewReader(counted)
	if err != nil {
		return decodeErr(err, "parse xz header in %s", sourcePath)
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return decodeErr(err, "create %s", destPath)
	}
	defer out.Close()

	if _, err := io.Copy(out, xzReader); err != nil {
		os.Remove(destPath)
		return decodeErr(err, "decode %s", sourcePath)
	}
	if monitor != nil {
		monitor(vault.PhaseDecode, 100)
	}
	return nil
}

type countingReader struct {
	r       io.Reader
	read    int64
	total   int64
	monitor vault.Monitor
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.r.Read(buf)
	if n > 0 {
		c.read += int64(n)
		if c.monitor != nil {
			pct := -1
			if c.total > 0 {
				pct = int(c.read * 100 / c.total)
				if pct > 99 {
					pct = 99 // DecodeTo reports the final 100 once, after Copy returns
				}
			}
			c.monitor(vault.PhaseDecode, pct)
		}
	}
	return n, err
}

func decodeErr(cause error, format string, args ...any) error {
	return &vault.Error{Kind: vault.DecodeFailed, Message: fmt.Sprintf(format, args...), Cause: cause}
}
