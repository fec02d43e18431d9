// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset loads labeled road images organized as one sub-directory per class,
// and serves them to GoMLX training loops.
//
// The expected layout is:
//
//	<root>/
//	  normal/   img001.jpg img002.png ...
//	  pothole/  ...
//	  random/   ...
//
// Class names are the folder names sorted lexicographically, and the label of an image is the
// index of its folder in that sorted list.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Example is one image file of the dataset, with its label.
type Example struct {
	// Path to the image file.
	Path string

	// Label is the index of ClassName in the sorted list of classes.
	Label int

	// ClassName is the name of the folder holding the image.
	ClassName string
}

// String implements fmt.Stringer.
func (e Example) String() string {
	return fmt.Sprintf("%s[%d]:%s", e.ClassName, e.Label, e.Path)
}

// ListClasses returns the sorted names of the sub-directories of dir. Files directly under dir are ignored.
func ListClasses(dir string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list class folders in %q", dir)
	}
	var classes []string
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		classes = append(classes, entry.Name())
	}
	slices.Sort(classes)
	return classes, nil
}

// Scan lists every image file of every class folder under dir.
//
// Examples are returned in class order, and within a class in file-name order, so the result is
// deterministic. Files are not opened: unreadable ones are only detected when decoding.
func Scan(dir string) (examples []Example, classNames []string, err error) {
	dir, err = fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return
	}
	classNames, err = ListClasses(dir)
	if err != nil {
		return
	}
	if len(classNames) == 0 {
		err = errors.Errorf("no class folders found in %q", dir)
		return
	}
	for label, className := range classNames {
		classDir := filepath.Join(dir, className)
		var entries []os.DirEntry
		entries, err = os.ReadDir(classDir)
		if err != nil {
			err = errors.Wrapf(err, "failed to list images of class %q", className)
			return
		}
		// os.ReadDir already returns entries sorted by file name.
		for _, entry := range entries {
			if !entry.Type().IsRegular() || isHidden(entry.Name()) {
				continue
			}
			examples = append(examples, Example{
				Path:      filepath.Join(classDir, entry.Name()),
				Label:     label,
				ClassName: className,
			})
		}
	}
	return
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
