package backend

import (
	"bufio"
	"bytes"
	"strings"
)

// maxEventLine bounds one line of an agent's JSON event stream.
const maxEventLine = 16 << 20

// scanJSONLines calls fn for every line of data that looks like a JSON
// object. Other lines (progress chatter, banners) are skipped. It stops at
// the first error fn returns.
func scanJSONLines(data []byte, fn func(line []byte) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), maxEventLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := fn([]byte(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}
