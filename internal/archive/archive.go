// Package archive exports finished runs as zstd-compressed tar bundles
// for offline inspection and handoff.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type Archiver struct {
	dir string
}

func New(cfg config.ArchiveConfig) *Archiver {
	return &Archiver{dir: cfg.Dir}
}

// Export writes <dir>/<run-id>.tar.zst containing run.json, the event
// stream as events.jsonl and, for terminal runs, result.json plus a
// rendered transcript.md. Returns the archive path.
func (a *Archiver) Export(run *store.Run, events []store.RunEvent) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(a.dir, run.ID+".tar.zst")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	runJSON, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run: %w", err)
	}
	if err := writeEntry(tw, "run.json", runJSON); err != nil {
		return "", err
	}

	if err := writeEntry(tw, "events.jsonl", renderEvents(events)); err != nil {
		return "", err
	}

	if len(run.Result) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, run.Result, "", "  "); err != nil {
			buf.Reset()
			buf.Write(run.Result)
		}
		if err := writeEntry(tw, "result.json", buf.Bytes()); err != nil {
			return "", err
		}
		if md := renderTranscript(run); len(md) > 0 {
			if err := writeEntry(tw, "transcript.md", md); err != nil {
				return "", err
			}
		}
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	return path, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func renderEvents(events []store.RunEvent) []byte {
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func renderTranscript(run *store.Run) []byte {
	var res swarm.RunResult
	if err := json.Unmarshal(run.Result, &res); err != nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "Task: %s\n\nStatus: %s\n", run.Task, res.Status)
	if len(res.NodeHistory) > 0 {
		fmt.Fprintf(&b, "\nAgents: %s\n", strings.Join(res.NodeHistory, " -> "))
	}
	for _, turn := range res.Transcript {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", turn.Agent, turn.Text)
	}
	if s, ok := res.Output.(string); ok && strings.TrimSpace(s) != "" {
		fmt.Fprintf(&b, "\n## Output\n\n%s\n", s)
	}
	return []byte(b.String())
}
