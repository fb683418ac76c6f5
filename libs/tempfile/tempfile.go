package tempfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic 先把数据完整地写进与 filename 同目录下的一个临时文件，fsync 之后
// 再通过 rename 覆盖 filename。读者要么看到旧文件，要么看到完整的新文件
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", filename, err)
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Chmod(perm); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filename)
}
