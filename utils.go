package satdet

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExtensions lists the image file types recognised in image directories.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp"}

// filesByExtInDir returns all regular files (or symlinks) found directly in directory dirPath
// whose name ends with one of exts, sorted by name. All files are returned if exts is empty.
func filesByExtInDir(dirPath string, exts ...string) ([]string, error) {
	dirInfo, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory %q: %w", dirPath, err)
	}
	if !dirInfo.IsDir() {
		return nil, fmt.Errorf("cannot read directory %q: not a directory", dirPath)
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to access %q: %w", dirPath, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		mode := entry.Type()
		if !mode.IsRegular() && mode&os.ModeSymlink == 0 {
			continue
		}
		name := entry.Name()
		if len(exts) > 0 && !hasAnySuffix(strings.ToLower(name), exts) {
			continue
		}
		files = append(files, filepath.Join(dirPath, name))
	}
	sort.Strings(files)

	return files, nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// splitPath splits the given file path into the dir name, the base name without extension and the
// extension (without the dot).
func splitPath(path string) (dir, baseNoExt, ext string, err error) {
	dir, file := filepath.Split(path)
	ext = filepath.Ext(file)
	if ext == "" {
		return "", "", "", fmt.Errorf("missing file extension in %q", path)
	}

	dir = strings.TrimSuffix(dir, string(os.PathSeparator))
	baseNoExt = file[0 : len(file)-len(ext)]
	ext = ext[1:]

	return dir, baseNoExt, ext, nil
}

// stem returns the file name of path without directory and extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// mapFileNamesToPaths maps the base names of the given file paths, with the file type extensions
// stripped off, to the full path. Later duplicates of a base name are reported and returned in
// dups.
func mapFileNamesToPaths(filePaths []string) (mapping map[string]string, dups []string) {
	mapping = make(map[string]string, len(filePaths))
	for _, path := range filePaths {
		_, baseNoExt, _, err := splitPath(path)
		if err != nil {
			slog.Warn("Ignoring file", "path", path, "error", err)
			dups = append(dups, path)
			continue
		}
		if prev, dup := mapping[baseNoExt]; dup {
			slog.Warn("Duplicate file name, ignoring", "path", path, "kept", prev)
			dups = append(dups, path)
			continue
		}
		mapping[baseNoExt] = path
	}

	return mapping, dups
}

// labelParserFn parses a label file given the label and image file paths.
type labelParserFn func(labelPath, imagePath string) (AnnotatedFile, error)

// parseLabelsWithOneToOneImages matches label files in labelDir, with file extension labelFileExt
// (e.g. ".txt") by file name to images in imageDir. It then invokes parse on these path pairs.
//
// Returns the list of file annotations obtained by applying parse to all label files. Label files
// without an image and files that fail to parse are logged and skipped.
func parseLabelsWithOneToOneImages(labelDir, labelFileExt, imageDir string, parse labelParserFn) (
	[]AnnotatedFile, error) {

	labelFiles, err := filesByExtInDir(labelDir, labelFileExt)
	if err != nil {
		return nil, err
	}
	slog.Info("Parsing labels", "files", len(labelFiles), "dir", labelDir)

	imageFiles, err := filesByExtInDir(imageDir, imageExtensions...)
	if err != nil {
		return nil, err
	}
	imagesByName, _ := mapFileNamesToPaths(imageFiles)

	data := make([]AnnotatedFile, 0, len(labelFiles))
	for _, labelPath := range labelFiles {
		imagePath, found := imagesByName[stem(labelPath)]
		if !found {
			slog.Warn("No corresponding image file, skipping", "label", labelPath)
			continue
		}

		fileData, err := parse(labelPath, imagePath)
		if err != nil {
			slog.Warn("Error while parsing, skipping", "label", labelPath, "error", err)
			continue
		}

		data = append(data, fileData)
	}

	return data, nil
}

// readLines returns a slice of lines read from the file at path.
func readLines(path string) (lines []string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}
	defer closeWithErrCheck(file, &err)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %q as lines: %w", path, err)
	}

	return lines, nil
}

// copyFile copies the regular file src to dst. The data is written to a temporary file next to dst
// and renamed into place, so an existing dst is replaced and never written through, even when it is
// a link to src.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Chmod(0o644); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// closeWithErrCheck calls c.Close(). If it returns an error, and (*e == nil), e is set to that
// error.
func closeWithErrCheck(c io.Closer, e *error) {
	err := c.Close()
	if err != nil && *e == nil {
		*e = err
	}
}
