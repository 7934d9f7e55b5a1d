package fs

import (
	"fmt"
	"os"
)

// MkdirP создает путь рекурсивно с правами 0755 (как `mkdir -p`).
// Не генерирует ошибку, если директория уже существует.
func MkdirP(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	return os.MkdirAll(path, 0o755)
}
