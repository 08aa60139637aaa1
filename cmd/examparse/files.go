package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// expandInputs replaces directory arguments with the image files they contain.
func expandInputs(args []string) ([]string, error) {
	var inputFiles []string
	for _, arg := range args {
		if !isDir(arg) {
			inputFiles = append(inputFiles, arg)
			continue
		}
		dirFiles, err := expandDirectory(arg)
		if err != nil {
			return nil, err
		}
		inputFiles = append(inputFiles, dirFiles...)
	}
	return inputFiles, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func expandDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if isImageFile(path) {
			imageFiles = append(imageFiles, path)
		}
	}
	sort.Strings(imageFiles)
	return imageFiles, nil
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".tif", ".tiff", ".bmp", ".webp":
		return true
	}
	return false
}
