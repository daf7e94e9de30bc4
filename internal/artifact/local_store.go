package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/VenkatGGG/cbtr/internal/platform"
)

type Store interface {
	// SaveScreenshot returns a URL for the screenshot. Screenshots the
	// platform already hosts are passed through unchanged.
	SaveScreenshot(ctx context.Context, testID string, shot platform.Screenshot) (string, error)
}

type LocalStore struct {
	rootDir string
	baseURL string
}

func NewLocalStore(rootDir, baseURL string) (*LocalStore, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "screenshots"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}

	prefix := strings.TrimSpace(baseURL)
	if prefix == "" {
		prefix = "/artifacts"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	return &LocalStore{rootDir: root, baseURL: prefix}, nil
}

func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func (s *LocalStore) BaseURL() string {
	return s.baseURL
}

func (s *LocalStore) SaveScreenshot(ctx context.Context, testID string, shot platform.Screenshot) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if strings.TrimSpace(testID) == "" {
		return "", errors.New("test id is required")
	}
	if hosted := strings.TrimSpace(shot.URL); hosted != "" {
		return hosted, nil
	}
	trimmed := strings.TrimSpace(shot.PNGBase64)
	if trimmed == "" {
		return "", errors.New("screenshot payload is required")
	}

	decoded, err := decodeBase64(trimmed)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.png", sanitizeID(testID), time.Now().UTC().UnixNano())
	relative := filepath.ToSlash(filepath.Join("screenshots", name))
	path := filepath.Join(s.rootDir, relative)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, decoded, 0o644); err != nil {
		return "", fmt.Errorf("write artifact tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	return s.baseURL + "/" + relative, nil
}

func decodeBase64(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		parts := strings.SplitN(payload, ",", 2)
		if len(parts) != 2 {
			return nil, errors.New("invalid data url payload")
		}
		payload = parts[1]
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("decoded payload is empty")
	}
	return decoded, nil
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "..", "_")
	if id == "" {
		return "test"
	}
	return id
}
