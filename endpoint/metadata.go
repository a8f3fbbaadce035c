package endpoint

import (
	"os"
	"time"
)

// WrapOSFileInfo converts an os.FileInfo, local or from an SFTP server,
// into a FileInfo.
func WrapOSFileInfo(info os.FileInfo) FileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
	}
}

// NewFileInfo creates a FileInfo from raw values.
func NewFileInfo(name string, size int64, isDir bool, modTime time.Time) FileInfo {
	return &localFileInfo{name: name, size: size, isDir: isDir, modTime: modTime}
}
