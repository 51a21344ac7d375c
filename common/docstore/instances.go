package docstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
)

// DataStoreOptions control what SaveInstance persists.
type DataStoreOptions struct {
	EnableSavePoints bool
	SaveLogs         bool
	SaveSource       bool
}

// DataStore persists process instances: one document per execution in the
// instances collection, with item queries running through the translator.
type DataStore struct {
	store   Store
	Locker  *Locker
	options DataStoreOptions
	log     *logger.Logger
}

// NewDataStore creates an instance data store
func NewDataStore(store Store, options DataStoreOptions, log *logger.Logger) *DataStore {
	return &DataStore{
		store:   store,
		Locker:  NewLocker(store, log),
		options: options,
		log:     log,
	}
}

// Store exposes the underlying document store
func (ds *DataStore) Store() Store { return ds.store }

// Install creates the indexes the engine relies on
func (ds *DataStore) Install(ctx context.Context) error {
	if err := ds.store.CreateIndex(ctx, CollectionInstances, "id", true); err != nil {
		return err
	}
	if err := ds.store.CreateIndex(ctx, CollectionInstances, "items.id", false); err != nil {
		return err
	}
	return ds.Locker.Install(ctx)
}

// SaveInstance persists an execution snapshot: insert if never saved,
// update-by-id otherwise. Save points, when enabled, snapshot the state
// under the last item's id.
func (ds *DataStore) SaveInstance(ctx context.Context, instance *models.InstanceRecord) error {
	if ds.options.EnableSavePoints && len(instance.Items) > 0 {
		lastID := instance.Items[len(instance.Items)-1].ID
		if instance.SavePoints == nil {
			instance.SavePoints = map[string]models.SavePoint{}
		}
		instance.SavePoints[lastID] = models.SavePoint{
			ID:     lastID,
			Items:  instance.Items,
			Loops:  instance.Loops,
			Tokens: instance.Tokens,
			Data:   instance.Data,
		}
	}

	isNew := instance.Saved == nil
	now := time.Now().UTC()
	instance.Saved = &now

	doc, err := models.ToDoc(instance)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", instance.ID, err)
	}
	if !ds.options.SaveLogs {
		delete(doc, "logs")
	}
	if !ds.options.SaveSource {
		delete(doc, "source")
	}

	if isNew {
		if err := ds.store.Insert(ctx, CollectionInstances, []map[string]interface{}{doc}); err != nil {
			return fmt.Errorf("insert instance %s: %w", instance.ID, err)
		}
	} else {
		if _, err := ds.store.Update(ctx, CollectionInstances,
			Query{"id": instance.ID}, map[string]interface{}{"$set": doc}, false); err != nil {
			return fmt.Errorf("update instance %s: %w", instance.ID, err)
		}
	}

	ds.log.Debug("instance saved", "instance_id", instance.ID)
	return nil
}

// FindInstances returns instance records matching the query. option is
// "summary" (drops source and logs) or "full"; an empty option acts as
// "summary".
func (ds *DataStore) FindInstances(ctx context.Context, query Query, option string) ([]models.InstanceRecord, error) {
	var projection []string
	if option == "" || option == "summary" {
		projection = []string{"-source", "-logs"}
	}

	docs, err := ds.store.Find(ctx, CollectionInstances, query, projection)
	if err != nil {
		return nil, err
	}

	out := make([]models.InstanceRecord, 0, len(docs))
	for _, doc := range docs {
		var rec models.InstanceRecord
		if err := models.FromDoc(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindInstance returns exactly one instance; ErrNotFound or ErrAmbiguous
// otherwise.
func (ds *DataStore) FindInstance(ctx context.Context, query Query, option string) (*models.InstanceRecord, error) {
	recs, err := ds.FindInstances(ctx, query, option)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: instance for %v", ErrNotFound, query)
	}
	if len(recs) > 1 {
		return nil, fmt.Errorf("%w: %d instances for %v", ErrAmbiguous, len(recs), query)
	}
	return &recs[0], nil
}

// FindItems translates a nested items query, fetches the owning instances,
// and returns the matching sub-documents augmented with instance context.
func (ds *DataStore) FindItems(ctx context.Context, query Query) ([]models.ItemRecord, error) {
	trans := NewTranslator("items")
	translated := trans.TranslateCriteria(query)

	docs, err := ds.store.Find(ctx, CollectionInstances, translated,
		[]string{"id", "data", "name", "version", "items", "tokens"})
	if err != nil {
		return nil, err
	}

	var items []models.ItemRecord
	for _, doc := range docs {
		var rec models.InstanceRecord
		if err := models.FromDoc(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}

		rawItems, _ := doc["items"].([]interface{})
		for idx, item := range rec.Items {
			if idx >= len(rawItems) {
				break
			}
			raw, _ := rawItems[idx].(map[string]interface{})
			if raw == nil || !trans.FilterItem(raw, translated) {
				continue
			}

			item.ProcessName = rec.Name
			item.InstanceID = rec.ID
			item.InstanceVersion = rec.Version
			for _, token := range rec.Tokens {
				if token.ID == item.TokenID && token.DataPath != "" {
					item.Data = lookupPath(rec.Data, token.DataPath)
				}
			}
			if item.Data == nil {
				item.Data = rec.Data
			}
			items = append(items, item)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

// FindItem returns exactly one item; ErrNotFound or ErrAmbiguous otherwise.
func (ds *DataStore) FindItem(ctx context.Context, query Query) (*models.ItemRecord, error) {
	items, err := ds.FindItems(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item for %v", ErrNotFound, query)
	}
	if len(items) > 1 {
		return nil, fmt.Errorf("%w: %d items for %v", ErrAmbiguous, len(items), query)
	}
	return &items[0], nil
}

// DeleteInstances removes instances matching the query
func (ds *DataStore) DeleteInstances(ctx context.Context, query Query) (int64, error) {
	return ds.store.Remove(ctx, CollectionInstances, query)
}

// Archive moves matching instance documents to the archives collection
func (ds *DataStore) Archive(ctx context.Context, query Query) (int, error) {
	docs, err := ds.store.Find(ctx, CollectionInstances, query, nil)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := ds.store.Insert(ctx, CollectionArchives, docs); err != nil {
		return 0, err
	}
	if _, err := ds.store.Remove(ctx, CollectionInstances, query); err != nil {
		return 0, err
	}
	ds.log.Info("instances archived", "count", len(docs))
	return len(docs), nil
}
