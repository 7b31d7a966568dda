package storage

import (
	"context"
	"encoding/json"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

const filesPrefix = "/files"

// Catalog persists FileRecords so a restarted node knows what it holds.
type Catalog struct {
	files ds.Datastore
}

func NewCatalog(store ds.Datastore) *Catalog {
	return &Catalog{files: store}
}

// OpenLevelDBCatalog opens (or creates) an on-disk catalog at path.
func OpenLevelDBCatalog(path string) (*Catalog, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", path, err)
	}
	return NewCatalog(store), nil
}

func NewMemoryCatalog() *Catalog {
	return NewCatalog(dssync.MutexWrap(ds.NewMapDatastore()))
}

func fileKey(hash string) ds.Key {
	return ds.NewKey(filesPrefix).ChildString(hash)
}

func (c *Catalog) Put(ctx context.Context, rec *FileRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.files.Put(ctx, fileKey(rec.ContentHash), b)
}

func (c *Catalog) All(ctx context.Context) ([]*FileRecord, error) {
	res, err := c.files.Query(ctx, dsq.Query{Prefix: filesPrefix})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	records := make([]*FileRecord, 0)
	for r := range res.Next() {
		if r.Error != nil {
			return records, r.Error
		}
		var rec FileRecord
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			return records, fmt.Errorf("corrupt catalog entry %s: %w", r.Key, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (c *Catalog) Close() error {
	return c.files.Close()
}
