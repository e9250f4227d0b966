package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/sminos/internal/config"
)

// component maps a top-level archive directory to a location on disk.
// The store component's marker is the database file itself since the
// containing directory usually holds the other components too.
type component struct {
	name   string
	dest   string
	marker string
}

func dataComponents(cfg *config.Config) []component {
	return []component{
		{name: "store", dest: filepath.Dir(cfg.Store.Path), marker: cfg.Store.Path},
		{name: "nats", dest: cfg.NATS.DataDir, marker: cfg.NATS.DataDir},
		{name: "archives", dest: cfg.Archive.Dir, marker: cfg.Archive.Dir},
	}
}

var componentNames = map[string]bool{
	"store":    true,
	"nats":     true,
	"archives": true,
}

// runBackup writes the store database, NATS data and run archives into
// a single tar.zst. Run it while the gateway is stopped so the SQLite
// file is quiescent.
func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	backed := 0
	for _, comp := range dataComponents(cfg) {
		n, err := backupComponent(tw, comp)
		if err != nil {
			return fmt.Errorf("backup %s: %w", comp.name, err)
		}
		if n > 0 {
			slog.Info("backed up component", "name", comp.name, "files", n)
			backed++
		}
	}
	if backed == 0 {
		slog.Warn("no data found, creating empty archive")
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d components, %s\n", backed, formatSize(size))
	return nil
}

func backupComponent(tw *tar.Writer, comp component) (int, error) {
	if comp.name == "store" {
		return backupStoreFiles(tw, comp.marker)
	}

	if _, err := os.Stat(comp.dest); os.IsNotExist(err) {
		return 0, nil
	}

	count := 0
	err := filepath.WalkDir(comp.dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(comp.dest, p)
		if err != nil {
			return err
		}
		name := path.Join(comp.name, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// backupStoreFiles archives the database plus the SQLite sidecar files
// when present.
func backupStoreFiles(tw *tar.Writer, dbPath string) (int, error) {
	count := 0
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return count, err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return count, err
		}
		hdr.Name = path.Join("store", filepath.Base(p))
		if err := tw.WriteHeader(hdr); err != nil {
			return count, err
		}

		src, err := os.Open(p)
		if err != nil {
			return count, err
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return count, err
		}
		src.Close()
		count++
	}
	return count, nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	comps := dataComponents(cfg)

	// Pre-scan: collect component names from the archive
	names, err := scanArchiveComponents(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	if !overwrite {
		for _, name := range names {
			for _, comp := range comps {
				if comp.name != name {
					continue
				}
				if _, err := os.Stat(comp.marker); err == nil {
					return fmt.Errorf("%s already exists, add -overwrite to replace files", comp.marker)
				}
			}
		}
	}

	dests := make(map[string]string, len(comps))
	for _, comp := range comps {
		dests[comp.name] = comp.dest
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		comp, relPath := splitComponentPath(hdr.Name)
		if comp == "" {
			continue
		}
		root := dests[comp]

		if relPath == "./" {
			if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", root, err)
			}
			continue
		}

		clean := filepath.FromSlash(path.Clean(relPath))
		if !filepath.IsLocal(clean) {
			return fmt.Errorf("unsafe path in archive: %s", hdr.Name)
		}
		target := filepath.Join(root, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
			}
			dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(dst, tr); err != nil {
				dst.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			if err := dst.Close(); err != nil {
				return fmt.Errorf("close %s: %w", target, err)
			}
			restored++
		default:
			slog.Warn("skipping unsupported entry", "name", hdr.Name)
		}
	}

	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

// scanArchiveComponents reads tar headers to collect unique component
// names (top-level directories) without extracting file data.
func scanArchiveComponents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name, _ := splitComponentPath(hdr.Name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names, nil
}

// splitComponentPath splits "store/sminos.db" into ("store", "sminos.db").
// Returns empty component for paths outside the known component set.
func splitComponentPath(name string) (comp, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if componentNames[name] {
			return name, "./"
		}
		return "", ""
	}

	comp = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}

	if !componentNames[comp] {
		return "", ""
	}

	return comp, relPath
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
