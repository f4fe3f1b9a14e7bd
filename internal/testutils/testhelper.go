package testutils

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

var errNoModuleRoot = errors.New("module root not found")

// TestHelper bundles a test with a logger whose output lands in Output, so
// service tests can assert on what was logged.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Output *bytes.Buffer
}

func NewTestHelper(t *testing.T) *TestHelper {
	h := &TestHelper{T: t, Logger: logrus.New(), Output: &bytes.Buffer{}}
	h.Logger.SetOutput(h.Output)
	h.Logger.SetLevel(logrus.DebugLevel)
	h.Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return h
}

// moduleRoot walks up from dir to the nearest directory holding go.mod.
func moduleRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", errNoModuleRoot
		}
		dir = up
	}
}

// LoadFixture reads relPath relative to the module root, so shipped
// scenarios and testdata resolve the same from every package's tests.
func LoadFixture(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := moduleRoot(wd)
	if err != nil {
		return nil, fmt.Errorf("load fixture %s: %w", relPath, err)
	}
	return os.ReadFile(filepath.Join(root, relPath))
}
