package hotreload

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrec/xxHash/xxHash32"
)

// Fingerprint identifies the content of a module file at the time it was read.
type Fingerprint struct {
	Sha1    [sha1.Size]byte
	Size    int64
	ModTime time.Time
}

func (fp Fingerprint) IsZero() bool {
	return fp.Sha1 == [sha1.Size]byte{}
}

func (fp Fingerprint) Same(o Fingerprint) bool {
	return fp.Sha1 == o.Sha1
}

func (fp Fingerprint) String() string {
	if fp.IsZero() {
		return "-"
	}
	return hex.EncodeToString(fp.Sha1[:4])
}

type fileInfo struct {
	name     string
	file     string
	fileData []byte
	fp       Fingerprint
}

func moduleName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readFileInfo(file string) (*fileInfo, error) {
	stat, err := os.Stat(file)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s is a directory", file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return &fileInfo{
		name:     moduleName(file),
		file:     file,
		fileData: data,
		fp: Fingerprint{
			Sha1:    sha1.Sum(data),
			Size:    int64(len(data)),
			ModTime: stat.ModTime(),
		},
	}, nil
}

// copyModule writes a private copy of the module into tmpDir so the build
// process stays free to overwrite the original while the copy is mapped.
func copyModule(info *fileInfo, tmpDir string) (string, error) {
	if err := os.MkdirAll(tmpDir, 0744); err != nil {
		return "", err
	}

	sum := xxHash32.Checksum(info.fp.Sha1[:], 0)
	dst := filepath.Join(tmpDir, fmt.Sprintf("%s-%08x%s", info.name, sum, filepath.Ext(info.file)))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	return dst, os.WriteFile(dst, info.fileData, 0644)
}
