// Package modelstore stores BPMN model documents and answers the event
// correlation queries behind throw-message, throw-signal and timer start
// events.
package modelstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/bpmnserver/common/docstore"
	"github.com/lyzr/bpmnserver/common/logger"
	"github.com/lyzr/bpmnserver/common/models"
	"github.com/lyzr/bpmnserver/elements"
)

// Store persists model documents {name, source, svg, processes, events}.
type Store struct {
	store docstore.Store
	log   *logger.Logger
}

// New creates a model store
func New(store docstore.Store, log *logger.Logger) *Store {
	return &Store{store: store, log: log}
}

// Install creates the unique name index
func (s *Store) Install(ctx context.Context) error {
	return s.store.CreateIndex(ctx, docstore.CollectionDefinitions, "name", true)
}

// Save upserts a model document, extracting its startable events from a
// loaded definition so correlation queries need no re-parse.
func (s *Store) Save(ctx context.Context, name, source, svg string) (*models.ModelRecord, error) {
	definition := elements.NewDefinition(name, source, s.log)
	if err := definition.Load(); err != nil {
		return nil, fmt.Errorf("save model %s: %w", name, err)
	}

	now := time.Now().UTC()
	record := &models.ModelRecord{
		Name:   name,
		Source: source,
		SVG:    svg,
		Events: definition.StartableEvents(),
		Saved:  &now,
	}
	for id := range definition.Processes {
		record.Processes = append(record.Processes, id)
	}

	doc, err := models.ToDoc(record)
	if err != nil {
		return nil, fmt.Errorf("encode model %s: %w", name, err)
	}

	if _, err := s.store.Update(ctx, docstore.CollectionDefinitions,
		docstore.Query{"name": name}, map[string]interface{}{"$set": doc}, true); err != nil {
		return nil, fmt.Errorf("store model %s: %w", name, err)
	}

	s.log.Info("model saved", "name", name, "events", len(record.Events))
	return record, nil
}

// Load returns a model document by name
func (s *Store) Load(ctx context.Context, name string) (*models.ModelRecord, error) {
	docs, err := s.store.Find(ctx, docstore.CollectionDefinitions, docstore.Query{"name": name}, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: model %s", docstore.ErrNotFound, name)
	}
	var rec models.ModelRecord
	if err := models.FromDoc(docs[0], &rec); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", name, err)
	}
	return &rec, nil
}

// GetSource returns a model's XML source
func (s *Store) GetSource(ctx context.Context, name string) (string, error) {
	rec, err := s.Load(ctx, name)
	if err != nil {
		return "", err
	}
	return rec.Source, nil
}

// List returns all stored models without their sources
func (s *Store) List(ctx context.Context) ([]models.ModelRecord, error) {
	docs, err := s.store.Find(ctx, docstore.CollectionDefinitions, docstore.Query{}, []string{"-source", "-svg"})
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelRecord, 0, len(docs))
	for _, doc := range docs {
		var rec models.ModelRecord
		if err := models.FromDoc(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a model by name
func (s *Store) Delete(ctx context.Context, name string) error {
	removed, err := s.store.Remove(ctx, docstore.CollectionDefinitions, docstore.Query{"name": name})
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: model %s", docstore.ErrNotFound, name)
	}
	return nil
}

// FindEvents answers nested events.* queries: the model documents are
// filtered through the translator and each matching event row is returned
// stamped with its model name.
func (s *Store) FindEvents(ctx context.Context, query docstore.Query) ([]models.EventData, error) {
	trans := docstore.NewTranslator("events")
	translated := trans.TranslateCriteria(query)

	docs, err := s.store.Find(ctx, docstore.CollectionDefinitions, translated, nil)
	if err != nil {
		return nil, err
	}

	var events []models.EventData
	for _, doc := range docs {
		var rec models.ModelRecord
		if err := models.FromDoc(doc, &rec); err != nil {
			return nil, err
		}
		rawEvents, _ := doc["events"].([]interface{})
		for idx, event := range rec.Events {
			if idx >= len(rawEvents) {
				break
			}
			raw, _ := rawEvents[idx].(map[string]interface{})
			if raw == nil || !trans.FilterItem(raw, translated) {
				continue
			}
			event.ModelName = rec.Name
			events = append(events, event)
		}
	}
	return events, nil
}
