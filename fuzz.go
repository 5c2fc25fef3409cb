package carve

import (
	"context"
	"os"
	"path/filepath"
)

func Fuzz(data []byte) int {
	dir, err := os.MkdirTemp("", "carve-fuzz")
	if err != nil {
		return 0
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, data, 0o644); err != nil {
		return 0
	}
	cfg := DefaultConfig()
	cfg.Threads = 1
	if _, err := Scan(context.Background(), cfg,
		filepath.Join(dir, "store"), []string{input}, nil); err != nil {
		return 0
	}
	return 1
}
