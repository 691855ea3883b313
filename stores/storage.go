package stores

import (
	"scenesync/config"
	"scenesync/core"
	"scenesync/stores/aws"
	"scenesync/stores/filesystem"
	"scenesync/stores/memory"
	"scenesync/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore picks the row store named by cfg.StorageType. Stores without a
// session registry of their own get an in-memory one.
func GetStore(cfg *config.Config) (core.RowStore, core.SessionRegistry) {
	var store core.RowStore

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store = filesystem.NewRowStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store = sqlite.NewRowStore(cfg.DataSourceName)
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		store = aws.NewRowStore(cfg.S3BucketName)
	default:
		store = memory.NewRowStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")

	if registry, ok := store.(core.SessionRegistry); ok {
		return store, registry
	}
	return store, memory.NewSessionRegistry()
}
