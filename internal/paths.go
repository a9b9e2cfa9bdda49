package internal

import (
	"os"
	"path/filepath"
)

// GetEasyclawDir 返回数据目录 ~/.easyclaw（取不到家目录时退化为相对路径）
func GetEasyclawDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".easyclaw"
	}
	return filepath.Join(home, ".easyclaw")
}
