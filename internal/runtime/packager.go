package runtime

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"
)

// File is one entry of a payload archive.
type File struct {
	Name string
	Mode int64
	Data []byte
}

// archiveModTime is fixed so identical inputs produce identical archives.
var archiveModTime = time.Unix(0, 0).UTC()

// Package serializes files into a tar archive suitable for ContainerRuntime.InjectFile.
// Entries keep argument order and their bytes are written unmodified.
func Package(files ...File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, file := range files {
		name, err := cleanEntryName(file.Name)
		if err != nil {
			return nil, err
		}

		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}

		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     mode,
			Size:     int64(len(file.Data)),
			ModTime:  archiveModTime,
			Format:   tar.FormatPAX,
		}

		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}

		if _, err := tw.Write(file.Data); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	return buf.Bytes(), nil
}

// PackageSource packages a single source file under name.
func PackageSource(name, source string) ([]byte, error) {
	return Package(File{Name: name, Mode: 0o644, Data: []byte(source)})
}

func cleanEntryName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("archive entry name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("archive entry name %q contains a NUL byte", name)
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("archive entry name %q must be relative", name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry name %q escapes the target directory", name)
	}
	return cleaned, nil
}
