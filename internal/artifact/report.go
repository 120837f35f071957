// Package artifact inspects what an evaluation run left behind in its output
// directory.
package artifact

import (
	"bufio"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	summaryPattern = "**/run_summary.json"
	urlFilePattern = "**/notion_url.txt"

	// maxScanBytes caps how much of each log is searched for a link.
	maxScanBytes = 4 << 20
)

var urlRe = regexp.MustCompile(`https?://\S+`)

type runSummary struct {
	NotionURL string `json:"notion_url"`
}

// FindReportURL returns the first report link it can find for a run: a
// notion_url in a run_summary.json, then a notion_url.txt, then the first URL
// printed to stdout or stderr. Newer files win. It returns "" when nothing is
// found; errors reading individual files are skipped.
func FindReportURL(dir string, logs ...string) string {
	if dir != "" {
		fsys := os.DirFS(dir)
		for _, p := range newestFirst(fsys, summaryPattern) {
			b, err := fs.ReadFile(fsys, p)
			if err != nil {
				continue
			}
			var s runSummary
			if err := json.Unmarshal(b, &s); err != nil {
				continue
			}
			if u := strings.TrimSpace(s.NotionURL); u != "" {
				return u
			}
		}
		for _, p := range newestFirst(fsys, urlFilePattern) {
			b, err := fs.ReadFile(fsys, p)
			if err != nil {
				continue
			}
			if u := strings.TrimSpace(string(b)); u != "" {
				return u
			}
		}
	}
	for _, l := range logs {
		if u := firstURL(l); u != "" {
			return u
		}
	}
	return ""
}

func newestFirst(fsys fs.FS, pattern string) []string {
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil || len(matches) == 0 {
		return nil
	}
	mtimes := make(map[string]int64, len(matches))
	for _, m := range matches {
		if fi, err := fs.Stat(fsys, m); err == nil {
			mtimes[m] = fi.ModTime().UnixNano()
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return mtimes[matches[i]] > mtimes[matches[j]]
	})
	return matches
}

func firstURL(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(io.LimitReader(f, maxScanBytes))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if m := urlRe.FindString(sc.Text()); m != "" {
			return m
		}
	}
	return ""
}
