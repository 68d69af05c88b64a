package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"squiggy-backend/internal/model"
)

var ErrEmptyBatch = errors.New("empty element batch")

// Change is one element instruction from a client batch: either an upsert
// carrying the full element document, or a delete by id. Invalid is set when
// the instruction was syntactically well-formed JSON but carried wrong-typed
// control fields; such instructions fail individually instead of applying.
type Change struct {
	ID         *int64
	Deleted    bool
	Invalid    string
	Properties map[string]any
}

// Failure reports one rejected instruction. The rest of the batch still
// applies; failures ride back to the caller next to the applied states.
type Failure struct {
	Index  int    `json:"index"`
	ID     *int64 `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// Result is the outcome of one batch: the canonical element states actually
// written (re-broadcast verbatim to the room) plus per-instruction failures.
type Result struct {
	Applied  []model.WhiteboardElement `json:"applied"`
	Deleted  []int64                   `json:"deleted,omitempty"`
	Failures []Failure                 `json:"failures,omitempty"`
}

// Engine is the sole writer of canonical whiteboard content. Batches for the
// same whiteboard are serialized on a per-whiteboard mutex so concurrent
// edits never interleave partially; different whiteboards run in parallel.
type Engine struct {
	db    *gorm.DB
	mu    sync.Mutex
	locks map[int64]*boardLock
}

// boardLock is reference-counted so idle whiteboards do not pin an entry in
// the lock table forever.
type boardLock struct {
	sync.Mutex
	refs int
}

// NewEngine creates an Engine
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{
		db:    db,
		locks: make(map[int64]*boardLock),
	}
}

func (e *Engine) acquire(whiteboardID int64) *boardLock {
	e.mu.Lock()
	l, ok := e.locks[whiteboardID]
	if !ok {
		l = &boardLock{}
		e.locks[whiteboardID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return l
}

func (e *Engine) release(whiteboardID int64, l *boardLock) {
	l.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, whiteboardID)
	}
	e.mu.Unlock()
}

// DecodeChanges parses wire-format element instructions. Each instruction is
// the raw element document with optional "id" and "deleted" keys mixed in:
// {id?, ...properties} or {id, deleted: true}.
func DecodeChanges(raw []json.RawMessage) ([]Change, error) {
	changes := make([]Change, 0, len(raw))
	for i, msg := range raw {
		var doc map[string]any
		if err := json.Unmarshal(msg, &doc); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}

		var change Change
		if v, ok := doc["id"]; ok {
			// ids arrive as JSON numbers; anything else must not be
			// reinterpreted as a create
			if f, ok := v.(float64); ok {
				id := int64(f)
				change.ID = &id
			} else {
				change.Invalid = "id must be a number"
			}
		}
		if v, ok := doc["deleted"]; ok {
			b, ok := v.(bool)
			if !ok && change.Invalid == "" {
				change.Invalid = "deleted must be a boolean"
			}
			change.Deleted = b
		}

		delete(doc, "id")
		delete(doc, "deleted")
		change.Properties = doc

		changes = append(changes, change)
	}
	return changes, nil
}

// UpsertBatch applies one client batch to a whiteboard. Instructions apply in
// order, so a later instruction for the same element id wins within the
// batch. Malformed instructions fail individually without aborting the rest;
// store failures abort the whole batch and surface to the caller.
func (e *Engine) UpsertBatch(ctx context.Context, whiteboardID int64, changes []Change, editorUserID int64) (*Result, error) {
	if len(changes) == 0 {
		return nil, ErrEmptyBatch
	}

	lock := e.acquire(whiteboardID)
	defer e.release(whiteboardID, lock)

	result := &Result{}
	appliedIndex := make(map[int64]int)

	for i, change := range changes {
		if change.Invalid != "" {
			result.Failures = append(result.Failures, Failure{
				Index:  i,
				Reason: change.Invalid,
			})
			continue
		}
		if change.Deleted {
			if err := e.applyDelete(ctx, whiteboardID, i, change, result, appliedIndex); err != nil {
				return nil, err
			}
			continue
		}
		if err := e.applyUpsert(ctx, whiteboardID, editorUserID, i, change, result, appliedIndex); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (e *Engine) applyDelete(ctx context.Context, whiteboardID int64, index int, change Change, result *Result, appliedIndex map[int64]int) error {
	if change.ID == nil {
		result.Failures = append(result.Failures, Failure{
			Index:  index,
			Reason: "delete requires an element id",
		})
		return nil
	}

	res := e.db.WithContext(ctx).
		Where("id = ? AND whiteboard_id = ?", *change.ID, whiteboardID).
		Delete(&model.WhiteboardElement{})
	if res.Error != nil {
		return fmt.Errorf("delete element %d: %w", *change.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		result.Failures = append(result.Failures, Failure{
			Index:  index,
			ID:     change.ID,
			Reason: "element not found",
		})
		return nil
	}

	// drop a same-batch upsert of this element from the applied set
	if pos, ok := appliedIndex[*change.ID]; ok {
		result.Applied = append(result.Applied[:pos], result.Applied[pos+1:]...)
		delete(appliedIndex, *change.ID)
		for id, p := range appliedIndex {
			if p > pos {
				appliedIndex[id] = p - 1
			}
		}
	}
	result.Deleted = append(result.Deleted, *change.ID)

	return nil
}

func (e *Engine) applyUpsert(ctx context.Context, whiteboardID, editorUserID int64, index int, change Change, result *Result, appliedIndex map[int64]int) error {
	doc, err := json.Marshal(change.Properties)
	if err != nil {
		result.Failures = append(result.Failures, Failure{
			Index:  index,
			ID:     change.ID,
			Reason: "unserializable element properties",
		})
		return nil
	}

	if change.ID == nil {
		// new elements must at least declare what they are
		if _, ok := change.Properties["type"]; !ok {
			result.Failures = append(result.Failures, Failure{
				Index:  index,
				Reason: "new element requires a type property",
			})
			return nil
		}

		element := model.WhiteboardElement{
			WhiteboardID: whiteboardID,
			Element:      doc,
			Version:      1,
			CreatedBy:    editorUserID,
			UpdatedBy:    editorUserID,
		}
		if err := e.db.WithContext(ctx).Create(&element).Error; err != nil {
			return fmt.Errorf("create element: %w", err)
		}

		appliedIndex[element.ID] = len(result.Applied)
		result.Applied = append(result.Applied, element)
		return nil
	}

	var element model.WhiteboardElement
	err = e.db.WithContext(ctx).
		Where("id = ? AND whiteboard_id = ?", *change.ID, whiteboardID).
		First(&element).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		result.Failures = append(result.Failures, Failure{
			Index:  index,
			ID:     change.ID,
			Reason: "element not found",
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load element %d: %w", *change.ID, err)
	}

	element.Element = doc
	element.Version++
	element.UpdatedBy = editorUserID
	if err := e.db.WithContext(ctx).Save(&element).Error; err != nil {
		return fmt.Errorf("update element %d: %w", *change.ID, err)
	}

	if pos, ok := appliedIndex[element.ID]; ok {
		// last write wins within the batch
		result.Applied[pos] = element
	} else {
		appliedIndex[element.ID] = len(result.Applied)
		result.Applied = append(result.Applied, element)
	}

	return nil
}

// Elements returns the canonical element set of a whiteboard, oldest first
func (e *Engine) Elements(ctx context.Context, whiteboardID int64) ([]model.WhiteboardElement, error) {
	var elements []model.WhiteboardElement
	err := e.db.WithContext(ctx).
		Where("whiteboard_id = ?", whiteboardID).
		Order("id ASC").
		Find(&elements).Error
	if err != nil {
		return nil, fmt.Errorf("load elements of whiteboard %d: %w", whiteboardID, err)
	}

	return elements, nil
}
