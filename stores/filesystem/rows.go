package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/stores/blob"
)

type fsBackend struct {
	basePath string
}

// NewRowStore keeps one JSON file per session under basePath.
func NewRowStore(basePath string) core.RowStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return blob.NewRowStore(&fsBackend{basePath: basePath})
}

func (b *fsBackend) pathFor(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(b.basePath, id+".json"), nil
}

func (b *fsBackend) Load(ctx context.Context, id string) (*core.Row, error) {
	filePath, err := b.pathFor(id)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"session_id": id, "file_path": filePath})

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		log.WithError(err).Error("Failed to read row file")
		return nil, err
	}

	var row core.Row
	if err := json.Unmarshal(data, &row); err != nil {
		log.WithError(err).Error("Failed to decode row file")
		return nil, err
	}
	return &row, nil
}

func (b *fsBackend) Save(ctx context.Context, row *core.Row) error {
	filePath, err := b.pathFor(row.ID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"session_id": row.ID, "file_path": filePath})

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	// write then rename so readers never see a partial file
	tmp, err := os.CreateTemp(b.basePath, row.ID+".*.tmp")
	if err != nil {
		log.WithError(err).Error("Failed to create temp file")
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.WithError(err).Error("Failed to write row file")
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		log.WithError(err).Error("Failed to replace row file")
		return err
	}

	log.Debug("Row saved successfully")
	return nil
}
