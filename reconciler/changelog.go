package reconciler

import (
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/directory_backend/models"
	"gorm.io/gorm"
)

// changeSet accumulates the field changes detected for one unit within a run.
type changeSet struct {
	runId   int
	unit    *models.LocalUnit
	entries []*models.ChangeLogEntry
}

func newChangeSet(runId int, unit *models.LocalUnit) *changeSet {
	return &changeSet{runId: runId, unit: unit}
}

// add records field going from before to after when the two differ. It reports whether it recorded anything.
func (c *changeSet) add(field string, before, after *string) bool {
	if equalStrings(before, after) {
		return false
	}
	c.entries = append(c.entries, &models.ChangeLogEntry{
		RunId:     c.runId,
		UnitId:    c.unit.ID,
		UnitName:  c.unit.Name,
		FieldName: field,
		OldValue:  before,
		NewValue:  after,
	})
	return true
}

func (c *changeSet) addInt(field string, before, after int) bool {
	b, a := strconv.Itoa(before), strconv.Itoa(after)
	return c.add(field, &b, &a)
}

func (c *changeSet) addBool(field string, before, after bool) bool {
	b, a := strconv.FormatBool(before), strconv.FormatBool(after)
	return c.add(field, &b, &a)
}

func (c *changeSet) empty() bool {
	return len(c.entries) == 0
}

func (c *changeSet) save(tx *gorm.DB, at time.Time) error {
	if c.empty() {
		return nil
	}
	for _, entry := range c.entries {
		entry.ChangedAt = at
	}
	return tx.Create(&c.entries).Error
}

func equalStrings(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
