package files

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// maxGrepMatches caps the number of lines a single Grep returns.
const maxGrepMatches = 1000

// Grep searches files under path (the whole tree when empty) for lines
// matching pattern and returns them as "file:line:text", one per line.
// An invalid regular expression is searched for literally. No matches
// yields an empty string.
func (f *FS) Grep(pattern, path string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = regexp.MustCompile(regexp.QuoteMeta(pattern))
	}

	base := f.root
	if path != "" && path != "." {
		base, err = f.Resolve(path)
		if err != nil {
			return "", err
		}
	}
	info, err := os.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("grep %s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("grep %s: %w", path, err)
	}

	var out strings.Builder
	count := 0
	search := func(abs string) error {
		n, err := grepFile(abs, f.rel(abs), re, &out, maxGrepMatches-count)
		count += n
		if err != nil {
			return err
		}
		if count >= maxGrepMatches {
			return fs.SkipAll
		}
		return nil
	}

	if !info.IsDir() {
		if err := search(base); err != nil && err != fs.SkipAll {
			return "", fmt.Errorf("grep %s: %w", path, err)
		}
		return out.String(), nil
	}

	err = f.walkFiles(base, func(abs string, _ fs.DirEntry) error {
		return search(abs)
	})
	if err != nil && err != fs.SkipAll {
		return "", fmt.Errorf("grep %s: %w", path, err)
	}
	return out.String(), nil
}

func grepFile(abs, rel string, re *regexp.Regexp, out *strings.Builder, limit int) (int, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return 0, nil
	}
	if isBinary(data) {
		return 0, nil
	}
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if !re.MatchString(text) {
			continue
		}
		fmt.Fprintf(out, "%s:%d:%s\n", rel, line, text)
		n++
		if n >= limit {
			break
		}
	}
	return n, nil
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
